package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnvFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

// unsetAfter clears keys that LoadEnvFile set so they do not leak into
// other tests.
func unsetAfter(t *testing.T, keys ...string) {
	t.Cleanup(func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	})
}

func TestLoadEnvFileParsing(t *testing.T) {
	unsetAfter(t, "AC_PLAIN", "AC_DQ", "AC_SQ", "AC_EXPORTED", "AC_SPACED", "AC_EMPTY", "AC_HALF")
	path := writeEnvFile(t,
		"# authcheck settings",
		"",
		"AC_PLAIN=http://localhost:8080",
		`AC_DQ="with spaces"`,
		"AC_SQ='single'",
		"export AC_EXPORTED=yes",
		"  AC_SPACED  =  padded  ",
		"AC_EMPTY=",
		`AC_HALF="open`,
		"no equals sign here",
		"=orphan",
	)
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	want := map[string]string{
		"AC_PLAIN":    "http://localhost:8080",
		"AC_DQ":       "with spaces",
		"AC_SQ":       "single",
		"AC_EXPORTED": "yes",
		"AC_SPACED":   "padded",
		"AC_EMPTY":    "",
		"AC_HALF":     `"open`,
	}
	for k, v := range want {
		got, ok := os.LookupEnv(k)
		if !ok || got != v {
			t.Fatalf("%s = %q (set=%v), want %q", k, got, ok, v)
		}
	}
}

func TestLoadEnvFileKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("AUTHCHECK_PASSWORD", "from-shell")
	path := writeEnvFile(t, "AUTHCHECK_PASSWORD=from-file")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("AUTHCHECK_PASSWORD"); got != "from-shell" {
		t.Fatalf("expected shell value to win, got %q", got)
	}
}

func TestLoadEnvFileErrors(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("absent file should be skipped: %v", err)
	}
	err := LoadEnvFile(t.TempDir())
	if err == nil || !strings.HasPrefix(err.Error(), "read env file:") {
		t.Fatalf("expected read error for a directory, got %v", err)
	}
}

func TestUnquote(t *testing.T) {
	for in, want := range map[string]string{
		`"a"`: "a",
		`'b'`: "b",
		`"c'`: `"c'`,
		`"`:   `"`,
		``:    ``,
		`""`:  ``,
	} {
		if got := unquote(in); got != want {
			t.Fatalf("unquote(%q)=%q want %q", in, got, want)
		}
	}
}
