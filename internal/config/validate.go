package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minBlockSize       = 1
	maxBlockSize       = 1000
	minParallelism     = 1
	maxParallelism     = 64
	maxOpenDirsLimit   = 20
	minEventBuffer     = 16
	minRefreshDebounce = 10 * time.Millisecond
	maxRenameWindow    = 5 * time.Second
)

// layoutProbe is formatted with date_name_layout to check the layout yields
// a usable file name.
var layoutProbe = time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogLevel(cfg.LogLevel)...)
	errs = append(errs, validateLogFormat(cfg.LogFormat)...)
	errs = append(errs, validateLibrary(&cfg.Library)...)
	errs = append(errs, validateOperations(&cfg.Operations)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)

	if cfg.Tools.Exiftool == "" {
		errs = append(errs, errors.New("tools.exiftool: must not be empty"))
	}

	return errors.Join(errs...)
}

// ValidateResolved checks the final values after env and CLI overrides.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateLogLevel(r.LogLevel)...)
	errs = append(errs, validateLogFormat(r.LogFormat)...)

	switch {
	case r.DBPath == "":
		errs = append(errs, errors.New("state.db_path: no default data directory, set one explicitly"))
	case !filepath.IsAbs(r.DBPath):
		errs = append(errs, fmt.Errorf("state.db_path: must be absolute after expansion, got %q", r.DBPath))
	}

	return errors.Join(errs...)
}

func validateLibrary(l *LibraryConfig) []error {
	var errs []error

	if len(l.Extensions) == 0 {
		errs = append(errs, errors.New("library.extensions: must list at least one extension"))
	}

	for _, ext := range l.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 || strings.ContainsRune(ext, filepath.Separator) {
			errs = append(errs, fmt.Errorf("library.extensions: %q must look like \".jpg\"", ext))
		}
	}

	errs = append(errs, validateName("library.favorites_dir", l.FavoritesDir)...)

	if l.DateNameLayout == "" {
		errs = append(errs, errors.New("library.date_name_layout: must not be empty"))
	} else if name := layoutProbe.Format(l.DateNameLayout); name == l.DateNameLayout {
		errs = append(errs, fmt.Errorf("library.date_name_layout: %q contains no date fields", l.DateNameLayout))
	} else {
		errs = append(errs, validateName("library.date_name_layout", name)...)
	}

	return errs
}

func validateOperations(o *OperationsConfig) []error {
	var errs []error

	errs = append(errs, validateRange("operations.block_size", o.BlockSize, minBlockSize, maxBlockSize)...)
	errs = append(errs, validateRange("operations.parallelism", o.Parallelism, minParallelism, maxParallelism)...)
	errs = append(errs, validateRange("operations.max_open_dirs", o.MaxOpenDirs, 0, maxOpenDirsLimit)...)
	errs = append(errs, validateName("operations.shift_suffix", o.ShiftSuffix)...)

	return errs
}

func validateWatch(w *WatchConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("watch.refresh_debounce", w.RefreshDebounce, minRefreshDebounce)...)

	if d, err := time.ParseDuration(w.RenameWindow); err != nil {
		errs = append(errs, fmt.Errorf("watch.rename_window: invalid duration %q: %w", w.RenameWindow, err))
	} else if d <= 0 || d > maxRenameWindow {
		errs = append(errs, fmt.Errorf("watch.rename_window: must be in (0, %s], got %s", maxRenameWindow, d))
	}

	if w.EventBuffer < minEventBuffer {
		errs = append(errs, fmt.Errorf("watch.event_buffer: must be >= %d, got %d", minEventBuffer, w.EventBuffer))
	}

	return errs
}

func validateRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

// validateName rejects values that cannot be used as a single path element.
func validateName(field, value string) []error {
	switch {
	case value == "":
		return []error{fmt.Errorf("%s: must not be empty", field)}
	case value == "." || value == "..":
		return []error{fmt.Errorf("%s: %q is not a valid name", field, value)}
	case strings.ContainsAny(value, `/\`):
		return []error{fmt.Errorf("%s: %q must not contain path separators", field, value)}
	default:
		return nil
	}
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
