package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation range constants.
const (
	minWorkers     = 1
	maxWorkers     = 64
	minAttempts    = 1
	maxAttempts    = 20
	minTimeout     = 1 * time.Second
	maxBranchChars = 200
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateTargets(&cfg.Targets)...)
	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateBreaker(&cfg.Breaker)...)
	errs = append(errs, validateApply(&cfg.Apply)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// RequireSyncInputs checks the settings a batch run needs but that other
// commands (status, report) do not.
func (r *Resolved) RequireSyncInputs() error {
	var errs []error

	if r.Targets.Owner == "" {
		errs = append(errs, fmt.Errorf("targets.owner: must be set (or use $%s / --owner)", EnvOwner))
	}

	if r.Source.TemplatesDir == "" {
		errs = append(errs, errors.New("source.templates_dir: must be set"))
	}

	if r.Token == "" && r.API.TokenFile == "" {
		errs = append(errs, fmt.Errorf("api.token_file: must be set (or use $%s)", EnvToken))
	}

	return errors.Join(errs...)
}

func validateTargets(t *TargetsConfig) []error {
	var errs []error

	if strings.Contains(t.Owner, "/") {
		errs = append(errs, fmt.Errorf("targets.owner: %q must not contain '/'", t.Owner))
	}

	for _, name := range t.Include {
		if err := validateRepoName(name); err != nil {
			errs = append(errs, fmt.Errorf("targets.include: %w", err))
		}
	}

	for _, name := range t.Exclude {
		if err := validateRepoName(name); err != nil {
			errs = append(errs, fmt.Errorf("targets.exclude: %w", err))
		}
	}

	if t.SourceRepository != "" {
		if err := validateRepoName(t.SourceRepository); err != nil {
			errs = append(errs, fmt.Errorf("targets.source_repository: %w", err))
		}
	}

	return errs
}

// validateRepoName accepts "name" or "owner/name".
func validateRepoName(s string) error {
	parts := strings.Split(s, "/")
	if len(parts) > 2 {
		return fmt.Errorf("%q is not a repository name", s)
	}

	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t") {
			return fmt.Errorf("%q is not a repository name", s)
		}
	}

	return nil
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	if !strings.HasPrefix(a.BaseURL, "https://") && !strings.HasPrefix(a.BaseURL, "http://") {
		errs = append(errs, fmt.Errorf("api.base_url: must be an http(s) URL, got %q", a.BaseURL))
	}

	if a.RequestsPerHour < 0 {
		errs = append(errs, fmt.Errorf("api.requests_per_hour: must be >= 0, got %d", a.RequestsPerHour))
	}

	if a.RequestsPerHour > 0 && a.Burst < 1 {
		errs = append(errs, fmt.Errorf("api.burst: must be >= 1 when requests_per_hour is set, got %d", a.Burst))
	}

	errs = append(errs, validateDuration("api.max_wait", a.MaxWait, 0)...)
	errs = append(errs, validateDuration("api.request_timeout", a.RequestTimeout, minTimeout)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxAttempts < minAttempts || r.MaxAttempts > maxAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between %d and %d, got %d",
			minAttempts, maxAttempts, r.MaxAttempts))
	}

	errs = append(errs, validateDuration("retry.base_backoff", r.BaseBackoff, time.Millisecond)...)
	errs = append(errs, validateDuration("retry.max_backoff", r.MaxBackoff, time.Millisecond)...)

	base, errBase := parseDuration(r.BaseBackoff)
	maxB, errMax := parseDuration(r.MaxBackoff)

	if errBase == nil && errMax == nil && maxB < base {
		errs = append(errs, fmt.Errorf("retry.max_backoff: %s is less than base_backoff %s", maxB, base))
	}

	return errs
}

func validateBreaker(b *BreakerConfig) []error {
	var errs []error

	if b.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold: must be >= 0, got %d", b.FailureThreshold))
	}

	errs = append(errs, validateDuration("breaker.cooldown", b.Cooldown, time.Second)...)

	return errs
}

func validateApply(a *ApplyConfig) []error {
	var errs []error

	if err := validateBranchPrefix(a.BranchPrefix); err != nil {
		errs = append(errs, fmt.Errorf("apply.branch_prefix: %w", err))
	}

	for _, l := range a.Labels {
		if strings.TrimSpace(l) == "" {
			errs = append(errs, errors.New("apply.labels: labels must not be empty"))
		}
	}

	if a.OverridePath == "" || strings.HasPrefix(a.OverridePath, "/") || strings.Contains(a.OverridePath, "..") {
		errs = append(errs, fmt.Errorf("apply.override_path: must be a relative repository path, got %q", a.OverridePath))
	}

	return errs
}

// validateBranchPrefix enforces the subset of git ref-name rules a prefix
// can violate on its own.
func validateBranchPrefix(p string) error {
	switch {
	case p == "":
		return errors.New("must not be empty")
	case len(p) > maxBranchChars:
		return fmt.Errorf("must be at most %d characters", maxBranchChars)
	case strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/"):
		return fmt.Errorf("%q must not start or end with '/'", p)
	case strings.Contains(p, "..") || strings.Contains(p, "//"):
		return fmt.Errorf("%q must not contain '..' or '//'", p)
	case strings.ContainsAny(p, " ~^:?*[\\\t"):
		return fmt.Errorf("%q contains characters not allowed in a branch name", p)
	}

	return nil
}

func validateEngine(e *EngineConfig) []error {
	if e.Workers < minWorkers || e.Workers > maxWorkers {
		return []error{fmt.Errorf("engine.workers: must be between %d and %d, got %d",
			minWorkers, maxWorkers, e.Workers)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

// validateDuration checks that s parses and is at least minimum.
func validateDuration(field, s string, minimum time.Duration) []error {
	d, err := parseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}

	return d, nil
}
