package common

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type CIResult struct {
	OK      bool     `json:"ok"`
	Check   string   `json:"check"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult writes a single JSON line for CI pipelines.
func PrintCIResult(ok bool, check string, details []string, err error) {
	writeCIResult(os.Stdout, ok, check, details, err)
}

func writeCIResult(w io.Writer, ok bool, check string, details []string, err error) {
	res := CIResult{OK: ok, Check: check, Details: details}
	if err != nil {
		res.Error = err.Error()
	}
	b, mErr := json.Marshal(res)
	if mErr != nil {
		_, _ = fmt.Fprintf(w, "{\"ok\":false,\"check\":%q,\"error\":%q}\n", check, mErr.Error())
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}
