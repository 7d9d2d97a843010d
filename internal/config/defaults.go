package config

import "github.com/fleetsync/fleetsync/internal/override"

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultBaseURL          = "https://api.github.com"
	defaultUserAgent        = "fleetsync/0.1"
	defaultRequestsPerHour  = 5000
	defaultBurst            = 10
	defaultMaxWait          = "2m"
	defaultRequestTimeout   = "30s"
	defaultMaxAttempts      = 5
	defaultBaseBackoff      = "1s"
	defaultMaxBackoff       = "60s"
	defaultFailureThreshold = 5
	defaultCooldown         = "2m"
	defaultBranchPrefix     = "template-sync"
	defaultWorkers          = 4
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// defaultLabels are applied to every pull request the engine opens.
var defaultLabels = []string{"template-sync", "automated"}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:         defaultBaseURL,
			UserAgent:       defaultUserAgent,
			RequestsPerHour: defaultRequestsPerHour,
			Burst:           defaultBurst,
			MaxWait:         defaultMaxWait,
			RequestTimeout:  defaultRequestTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultMaxAttempts,
			BaseBackoff: defaultBaseBackoff,
			MaxBackoff:  defaultMaxBackoff,
		},
		Breaker: BreakerConfig{
			FailureThreshold: defaultFailureThreshold,
			Cooldown:         defaultCooldown,
		},
		Apply: ApplyConfig{
			BranchPrefix:    defaultBranchPrefix,
			Labels:          append([]string(nil), defaultLabels...),
			OverridePath:    override.DefaultPath,
			CloseSuperseded: true,
		},
		Engine: EngineConfig{
			Workers: defaultWorkers,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
