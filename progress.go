package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/phototriage/phototriage/internal/triage"
)

// noticePrinter renders engine notices on stderr: a single rewritten
// progress line on terminals, JSON lines with --json, and warnings always
// unless --quiet.
type noticePrinter struct {
	mu       sync.Mutex
	w        io.Writer
	json     bool
	quiet    bool
	terminal bool
	inLine   bool
}

func newNoticePrinter(cc *CLIContext, w io.Writer) *noticePrinter {
	return &noticePrinter{
		w:        w,
		json:     cc.Flags.JSON,
		quiet:    cc.Flags.Quiet,
		terminal: isTerminal(w),
	}
}

// Notice is a triage.Listener.
func (np *noticePrinter) Notice(n triage.Notice) {
	np.mu.Lock()
	defer np.mu.Unlock()

	if np.json {
		if data, err := json.Marshal(n); err == nil {
			fmt.Fprintf(np.w, "%s\n", data)
		}

		return
	}

	switch n.Kind {
	case triage.NoticeProgress:
		if np.quiet || !np.terminal || n.Operation == "load" {
			return
		}

		fmt.Fprintf(np.w, "\r%-16s %3d%%", n.Operation, n.Current)
		np.inLine = true

		if n.Current >= n.Total {
			np.endLine()
		}

	case triage.NoticeWarning:
		np.endLine()

		if n.Path != "" {
			fmt.Fprintf(np.w, "warning: %s: %s\n", n.Path, n.Message)
		} else {
			fmt.Fprintf(np.w, "warning: %s\n", n.Message)
		}

	case triage.NoticeRenamed:
		if np.quiet {
			return
		}

		np.endLine()
		fmt.Fprintf(np.w, "renamed %s -> %s\n", n.OldPath, n.Path)
	}
}

// Finish terminates a pending progress line.
func (np *noticePrinter) Finish() {
	np.mu.Lock()
	defer np.mu.Unlock()

	np.endLine()
}

func (np *noticePrinter) endLine() {
	if np.inLine {
		fmt.Fprintln(np.w)
		np.inLine = false
	}
}
