package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig = "FLEETSYNC_CONFIG"
	EnvToken  = "FLEETSYNC_TOKEN"
	EnvOwner  = "FLEETSYNC_OWNER"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // FLEETSYNC_CONFIG: override config file path
	Token      string // FLEETSYNC_TOKEN: literal API token
	Owner      string // FLEETSYNC_OWNER: target owner
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	o := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Token:      os.Getenv(EnvToken),
		Owner:      os.Getenv(EnvOwner),
	}

	logger.Debug("read environment overrides",
		slog.String("config_path", o.ConfigPath),
		slog.Bool("token_set", o.Token != ""),
		slog.String("owner", o.Owner),
	)

	return o
}
