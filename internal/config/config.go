// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fleetsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Source  SourceConfig  `toml:"source"`
	Targets TargetsConfig `toml:"targets"`
	API     APIConfig     `toml:"api"`
	Retry   RetryConfig   `toml:"retry"`
	Breaker BreakerConfig `toml:"breaker"`
	Apply   ApplyConfig   `toml:"apply"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// SourceConfig locates the canonical template set.
type SourceConfig struct {
	TemplatesDir string `toml:"templates_dir"`
}

// TargetsConfig selects the repositories a batch run covers. Include and
// Exclude entries are repository names, with or without the owner prefix.
// An empty Include selects every repository the owner has.
type TargetsConfig struct {
	Owner            string   `toml:"owner"`
	Include          []string `toml:"include"`
	Exclude          []string `toml:"exclude"`
	SourceRepository string   `toml:"source_repository"`
}

// APIConfig controls the hosting client: endpoint, credentials, and the
// request budget.
type APIConfig struct {
	BaseURL         string `toml:"base_url"`
	TokenFile       string `toml:"token_file"`
	UserAgent       string `toml:"user_agent"`
	RequestsPerHour int    `toml:"requests_per_hour"`
	Burst           int    `toml:"burst"`
	MaxWait         string `toml:"max_wait"`
	RequestTimeout  string `toml:"request_timeout"`
}

// RetryConfig bounds the per-operation retry loop.
type RetryConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	BaseBackoff string `toml:"base_backoff"`
	MaxBackoff  string `toml:"max_backoff"`
}

// BreakerConfig controls the circuit breaker. failure_threshold = 0
// disables it.
type BreakerConfig struct {
	FailureThreshold int    `toml:"failure_threshold"`
	Cooldown         string `toml:"cooldown"`
}

// ApplyConfig controls how changes reach a target: branch naming, labels,
// and the location of the per-repository override file.
type ApplyConfig struct {
	BranchPrefix    string   `toml:"branch_prefix"`
	Labels          []string `toml:"labels"`
	OverridePath    string   `toml:"override_path"`
	CloseSuperseded bool     `toml:"close_superseded"`
}

// EngineConfig controls the worker pool and where run state is kept.
type EngineConfig struct {
	Workers  int    `toml:"workers"`
	StateDir string `toml:"state_dir"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig controls metrics export. An empty Textfile disables it.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Owner      *string // --owner flag
	Workers    *int    // --workers flag
}

// Resolved is a validated Config with every override applied and every
// duration parsed.
type Resolved struct {
	Config

	// Path is the config file that was read, or would have been read.
	Path string
	// Token is a literal credential from the environment. When empty the
	// token file is used.
	Token string `json:"-"`

	MaxWait        time.Duration
	RequestTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Cooldown       time.Duration
}
