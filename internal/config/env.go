package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig = "PHOTOTRIAGE_CONFIG"
	EnvDB     = "PHOTOTRIAGE_DB"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // PHOTOTRIAGE_CONFIG: override config file path
	DBPath     string // PHOTOTRIAGE_DB: override annotation database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
	}
}
