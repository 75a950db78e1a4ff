package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestModelRendersOutcome(t *testing.T) {
	m := model{title: "authcheck flow", cancel: func() {}}
	next, cmd := m.Update(doneMsg{details: []string{"login: ok"}, err: errors.New("refresh rejected")})
	if cmd == nil {
		t.Fatal("expected quit command after completion")
	}
	view := next.(model).View()
	for _, want := range []string{"authcheck flow", "login: ok", "refresh rejected"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelQuitKeyCancels(t *testing.T) {
	cancelled := false
	m := model{title: "t", cancel: func() { cancelled = true }}
	m.Update(teaKey("q"))
	if !cancelled {
		t.Fatal("expected q to cancel the running check")
	}
}

func teaKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}
