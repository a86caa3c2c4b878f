// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for phototriage. Values resolve through
// a four-layer override chain: defaults -> config file -> environment ->
// CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	LogLevel   string           `toml:"log_level"`
	LogFormat  string           `toml:"log_format"`
	Library    LibraryConfig    `toml:"library"`
	Operations OperationsConfig `toml:"operations"`
	Watch      WatchConfig      `toml:"watch"`
	Tools      ToolsConfig      `toml:"tools"`
	State      StateConfig      `toml:"state"`
}

// LibraryConfig describes which files count as photos and how they are
// named and collected.
type LibraryConfig struct {
	Extensions     []string `toml:"extensions"`
	FavoritesDir   string   `toml:"favorites_dir"`
	DateNameLayout string   `toml:"date_name_layout"`
}

// OperationsConfig tunes the bulk commands.
type OperationsConfig struct {
	BlockSize   int    `toml:"block_size"`
	Parallelism int    `toml:"parallelism"`
	MaxOpenDirs int    `toml:"max_open_dirs"`
	ShiftSuffix string `toml:"shift_suffix"`
}

// WatchConfig tunes the directory watcher and refresh coalescing.
type WatchConfig struct {
	RefreshDebounce string `toml:"refresh_debounce"`
	RenameWindow    string `toml:"rename_window"`
	EventBuffer     int    `toml:"event_buffer"`
}

// RefreshDebounceDuration returns the parsed refresh_debounce. Only valid
// after Validate.
func (w WatchConfig) RefreshDebounceDuration() time.Duration {
	return mustDuration(w.RefreshDebounce)
}

// RenameWindowDuration returns the parsed rename_window. Only valid after
// Validate.
func (w WatchConfig) RenameWindowDuration() time.Duration {
	return mustDuration(w.RenameWindow)
}

// ToolsConfig names the external programs. An empty opener picks the
// platform default.
type ToolsConfig struct {
	Exiftool string `toml:"exiftool"`
	Opener   string `toml:"opener"`
}

// StateConfig locates the annotation database. An empty db_path means
// the default under the data directory.
type StateConfig struct {
	DBPath string `toml:"db_path"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	LogLevel   *string // derived from --verbose / --quiet
	LogFormat  *string // derived from --json
}

// Resolved is the configuration after every override layer, together with
// where it came from.
type Resolved struct {
	Config

	ConfigPath string // file consulted, whether or not it existed
	DBPath     string // absolute path of the annotation database
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
