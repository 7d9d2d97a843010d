package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("loaded config file", slog.String("path", path))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", slog.String("path", path))

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	if env.Owner != "" {
		cfg.Targets.Owner = env.Owner
	}

	if cli.Owner != nil {
		cfg.Targets.Owner = *cli.Owner
	}

	if cli.Workers != nil {
		cfg.Engine.Workers = *cli.Workers
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	r := &Resolved{Config: *cfg, Path: cfgPath, Token: env.Token}

	// Durations were checked by Validate; parse errors cannot occur here.
	r.MaxWait, _ = parseDuration(cfg.API.MaxWait)
	r.RequestTimeout, _ = parseDuration(cfg.API.RequestTimeout)
	r.BaseBackoff, _ = parseDuration(cfg.Retry.BaseBackoff)
	r.MaxBackoff, _ = parseDuration(cfg.Retry.MaxBackoff)
	r.Cooldown, _ = parseDuration(cfg.Breaker.Cooldown)

	r.Source.TemplatesDir = resolveRelative(cfgPath, expandTilde(cfg.Source.TemplatesDir))
	r.API.TokenFile = expandTilde(cfg.API.TokenFile)
	r.Metrics.Textfile = expandTilde(cfg.Metrics.Textfile)

	r.Engine.StateDir = expandTilde(cfg.Engine.StateDir)
	if r.Engine.StateDir == "" {
		r.Engine.StateDir = DefaultDataDir()
	}

	if r.API.TokenFile == "" && r.Token == "" {
		r.API.TokenFile = DefaultTokenPath()
	}

	return r, nil
}

// resolveRelative interprets a relative path against the config file's
// directory, so a config file can sit next to its templates.
func resolveRelative(cfgPath, p string) string {
	if p == "" || filepath.IsAbs(p) || cfgPath == "" {
		return p
	}

	return filepath.Join(filepath.Dir(cfgPath), p)
}
