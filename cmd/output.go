package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klikkflow/flowsync/core/collab"
	"github.com/sanity-io/litter"
	"golang.org/x/term"
)

// wantJSON reports whether w should receive JSON: always with --json,
// otherwise whenever w is not an interactive terminal.
func wantJSON(w io.Writer) bool {
	if jsonOutput {
		return true
	}
	f, ok := w.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeDump(w io.Writer, v any) error {
	opts := litter.Options{HidePrivateFields: true, StripPackageNames: true}
	_, err := fmt.Fprintln(w, opts.Sdump(v))
	return err
}

func describeOperation(op collab.Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%-4d %-14s %-16s %-8s %s", op.Version, op.ID, op.Kind, op.UserID, op.Path)
	if op.Noop {
		b.WriteString("  (noop)")
	}
	return b.String()
}

func describeResolution(res collab.Resolution) string {
	var b strings.Builder
	status := "resolved"
	switch {
	case res.RequiresManualReview:
		status = "needs review"
	case !res.Success:
		status = "failed"
	}
	fmt.Fprintf(&b, "%s via %s: %s", status, res.Strategy, res.Explanation)
	if res.ResolvedOperation != nil {
		fmt.Fprintf(&b, "\n    keep   %s", describeOperation(*res.ResolvedOperation))
	}
	for _, op := range res.MergedOperations {
		fmt.Fprintf(&b, "\n    merge  %s", describeOperation(op))
	}
	return b.String()
}
