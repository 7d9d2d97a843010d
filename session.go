package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/hosting"
	"github.com/fleetsync/fleetsync/internal/sync"
	"github.com/fleetsync/fleetsync/internal/tokenfile"
)

// checkpointFile is the SQLite database under the state directory.
const checkpointFile = "checkpoint.db"

// newHostingClient builds the remote access client from resolved config.
// onRetry may be nil.
func newHostingClient(cfg *config.Resolved, onRetry hosting.RetryHook, logger *slog.Logger) (*hosting.Client, error) {
	ts, err := tokenfile.Source(cfg.Token, cfg.API.TokenFile)
	if err != nil {
		if errors.Is(err, tokenfile.ErrNoToken) {
			return nil, fmt.Errorf("not logged in: run 'fleetsync login' or set $%s: %w", config.EnvToken, err)
		}

		return nil, err
	}

	return hosting.NewClient(hosting.Options{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Token:      ts,
		UserAgent:  cfg.API.UserAgent,
		Logger:     logger,
		Retry: hosting.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.BaseBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		RequestsPerHour:  cfg.API.RequestsPerHour,
		Burst:            cfg.API.Burst,
		MaxWait:          cfg.MaxWait,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerCooldown:  cfg.Cooldown,
		OnRetry:          onRetry,
	}), nil
}

// checkpointPath is where the run state database lives.
func checkpointPath(cfg *config.Resolved) string {
	return filepath.Join(cfg.Engine.StateDir, checkpointFile)
}

// openCheckpoint opens the run state database for cfg.
func openCheckpoint(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*sync.Checkpoint, error) {
	cp, err := sync.OpenCheckpoint(ctx, checkpointPath(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("opening run state: %w", err)
	}

	return cp, nil
}

// resolveRunID picks the run a read-only command reports on: the given ID,
// or the most recent run.
func resolveRunID(ctx context.Context, cp *sync.Checkpoint, runID string) (sync.RunMeta, error) {
	if runID != "" {
		return cp.Run(ctx, runID)
	}

	meta, err := cp.LatestRun(ctx)
	if errors.Is(err, sync.ErrRunNotFound) {
		return meta, errors.New("no runs recorded yet: run 'fleetsync sync' first")
	}

	return meta, err
}
