package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary to w. This powers the "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)
	ew.printf("log_level  = %q\n", r.LogLevel)
	ew.printf("log_format = %q\n\n", r.LogFormat)

	renderLibrarySection(ew, &r.Library)
	renderOperationsSection(ew, &r.Operations)
	renderWatchSection(ew, &r.Watch)
	renderToolsSection(ew, &r.Tools)

	ew.printf("[state]\n")
	ew.printf("  db_path = %q\n", r.DBPath)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderLibrarySection(ew *errWriter, l *LibraryConfig) {
	ew.printf("[library]\n")
	ew.printf("  extensions       = [%s]\n", joinQuoted(l.Extensions))
	ew.printf("  favorites_dir    = %q\n", l.FavoritesDir)
	ew.printf("  date_name_layout = %q\n", l.DateNameLayout)
	ew.printf("\n")
}

func renderOperationsSection(ew *errWriter, o *OperationsConfig) {
	ew.printf("[operations]\n")
	ew.printf("  block_size    = %d\n", o.BlockSize)
	ew.printf("  parallelism   = %d\n", o.Parallelism)
	ew.printf("  max_open_dirs = %d\n", o.MaxOpenDirs)
	ew.printf("  shift_suffix  = %q\n", o.ShiftSuffix)
	ew.printf("\n")
}

func renderWatchSection(ew *errWriter, wc *WatchConfig) {
	ew.printf("[watch]\n")
	ew.printf("  refresh_debounce = %q\n", wc.RefreshDebounce)
	ew.printf("  rename_window    = %q\n", wc.RenameWindow)
	ew.printf("  event_buffer     = %d\n", wc.EventBuffer)
	ew.printf("\n")
}

func renderToolsSection(ew *errWriter, t *ToolsConfig) {
	ew.printf("[tools]\n")
	ew.printf("  exiftool = %q\n", t.Exiftool)

	if t.Opener != "" {
		ew.printf("  opener   = %q\n", t.Opener)
	}

	ew.printf("\n")
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
