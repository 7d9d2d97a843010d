package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. The token
// itself is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", r.Path)

	ew.printf("[source]\n")
	ew.printf("  templates_dir = %q\n\n", r.Source.TemplatesDir)

	ew.printf("[targets]\n")
	ew.printf("  owner             = %q\n", r.Targets.Owner)
	ew.printf("  include           = [%s]\n", joinQuoted(r.Targets.Include))
	ew.printf("  exclude           = [%s]\n", joinQuoted(r.Targets.Exclude))
	ew.printf("  source_repository = %q\n\n", r.Targets.SourceRepository)

	ew.printf("[api]\n")
	ew.printf("  base_url          = %q\n", r.API.BaseURL)

	if r.Token != "" {
		ew.printf("  token             = (from $%s)\n", EnvToken)
	} else {
		ew.printf("  token_file        = %q\n", r.API.TokenFile)
	}

	ew.printf("  user_agent        = %q\n", r.API.UserAgent)
	ew.printf("  requests_per_hour = %d\n", r.API.RequestsPerHour)
	ew.printf("  burst             = %d\n", r.API.Burst)
	ew.printf("  max_wait          = %q\n", r.MaxWait.String())
	ew.printf("  request_timeout   = %q\n\n", r.RequestTimeout.String())

	ew.printf("[retry]\n")
	ew.printf("  max_attempts = %d\n", r.Retry.MaxAttempts)
	ew.printf("  base_backoff = %q\n", r.BaseBackoff.String())
	ew.printf("  max_backoff  = %q\n\n", r.MaxBackoff.String())

	ew.printf("[breaker]\n")
	ew.printf("  failure_threshold = %d\n", r.Breaker.FailureThreshold)
	ew.printf("  cooldown          = %q\n\n", r.Cooldown.String())

	ew.printf("[apply]\n")
	ew.printf("  branch_prefix    = %q\n", r.Apply.BranchPrefix)
	ew.printf("  labels           = [%s]\n", joinQuoted(r.Apply.Labels))
	ew.printf("  override_path    = %q\n", r.Apply.OverridePath)
	ew.printf("  close_superseded = %t\n\n", r.Apply.CloseSuperseded)

	ew.printf("[engine]\n")
	ew.printf("  workers   = %d\n", r.Engine.Workers)
	ew.printf("  state_dir = %q\n\n", r.Engine.StateDir)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format = %q\n", r.Logging.LogFormat)

	if r.Metrics.Textfile != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  textfile = %q\n", r.Metrics.Textfile)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
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

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
