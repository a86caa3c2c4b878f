package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file.
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultFavoritesDir    = "Favorites"
	defaultDateNameLayout  = "20060102_150405"
	defaultBlockSize       = 20
	defaultParallelism     = 8
	defaultMaxOpenDirs     = 3
	defaultShiftSuffix     = "__dateshift"
	defaultRefreshDebounce = "300ms"
	defaultRenameWindow    = "100ms"
	defaultEventBuffer     = 1024
	defaultExiftool        = "exiftool"
	dbFileName             = "annotations.db"
)

// defaultExtensions is the photo allow-list shared by directory scans and
// the watcher.
var defaultExtensions = []string{".jpg", ".jpeg", ".png", ".heic", ".tif", ".tiff", ".webp"}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   defaultLogLevel,
		LogFormat:  defaultLogFormat,
		Library:    defaultLibraryConfig(),
		Operations: defaultOperationsConfig(),
		Watch:      defaultWatchConfig(),
		Tools:      ToolsConfig{Exiftool: defaultExiftool},
	}
}

func defaultLibraryConfig() LibraryConfig {
	return LibraryConfig{
		Extensions:     append([]string(nil), defaultExtensions...),
		FavoritesDir:   defaultFavoritesDir,
		DateNameLayout: defaultDateNameLayout,
	}
}

func defaultOperationsConfig() OperationsConfig {
	return OperationsConfig{
		BlockSize:   defaultBlockSize,
		Parallelism: defaultParallelism,
		MaxOpenDirs: defaultMaxOpenDirs,
		ShiftSuffix: defaultShiftSuffix,
	}
}

func defaultWatchConfig() WatchConfig {
	return WatchConfig{
		RefreshDebounce: defaultRefreshDebounce,
		RenameWindow:    defaultRenameWindow,
		EventBuffer:     defaultEventBuffer,
	}
}
