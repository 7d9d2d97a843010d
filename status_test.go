package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testResolved(t *testing.T) *config.Resolved {
	t.Helper()

	cfg := &config.Resolved{}
	cfg.Engine.StateDir = t.TempDir()

	return cfg
}

func TestResolveRunID_LatestAndExplicit(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	cfg := testResolved(t)

	cp, err := openCheckpoint(ctx, cfg, discardLogger())
	require.NoError(t, err)

	defer cp.Close()

	assert.Equal(t, filepath.Join(cfg.Engine.StateDir, checkpointFile), cp.Path())

	_, err = resolveRunID(ctx, cp, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runs recorded yet")

	_, err = cp.Begin(ctx, sync.RunMeta{ID: "20260101T000000-aaaaaaaa", TemplateVersion: "v1", Owner: "acme"}, []string{"acme/a"})
	require.NoError(t, err)

	_, err = cp.Begin(ctx, sync.RunMeta{ID: "20260102T000000-bbbbbbbb", TemplateVersion: "v1", Owner: "acme"}, []string{"acme/a"})
	require.NoError(t, err)

	meta, err := resolveRunID(ctx, cp, "")
	require.NoError(t, err)
	assert.Equal(t, "20260102T000000-bbbbbbbb", meta.ID)

	meta, err = resolveRunID(ctx, cp, "20260101T000000-aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "20260101T000000-aaaaaaaa", meta.ID)

	_, err = resolveRunID(ctx, cp, "missing")
	require.ErrorIs(t, err, sync.ErrRunNotFound)
}

func TestBuildStatusOutput_FromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	cp, err := openCheckpoint(ctx, testResolved(t), discardLogger())
	require.NoError(t, err)

	defer cp.Close()

	const runID = "20260301T120000-cafebabe"

	_, err = cp.Begin(ctx, sync.RunMeta{ID: runID, TemplateVersion: "v7", Owner: "acme"},
		[]string{"acme/api", "acme/infra", "acme/web"})
	require.NoError(t, err)

	claimed, err := cp.Claim(ctx, runID, "acme/api")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, cp.Complete(ctx, runID, "acme/api", sync.Result{
		State:    sync.StateCompleted,
		Outcome:  sync.OutcomePROpened,
		Category: "go",
		PRURL:    "https://git.example/acme/api/pull/4",
	}))

	claimed, err = cp.Claim(ctx, runID, "acme/infra")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, cp.Complete(ctx, runID, "acme/infra", sync.Result{
		State:   sync.StateFailed,
		Outcome: sync.OutcomeFailed,
		ErrKind: sync.KindPermanentRemote,
		Reason:  "422 Unprocessable Entity",
	}))

	meta, err := cp.Run(ctx, runID)
	require.NoError(t, err)

	records, err := cp.Targets(ctx, runID)
	require.NoError(t, err)

	out := buildStatusOutput(meta, records)
	assert.Equal(t, runID, out.RunID)
	assert.Equal(t, "v7", out.TemplateVersion)
	assert.False(t, out.Finished)
	assert.Equal(t, 1, out.Counts[string(sync.StateCompleted)])
	assert.Equal(t, 1, out.Counts[string(sync.StateFailed)])
	assert.Equal(t, 1, out.Counts[string(sync.StatePending)])
	require.Len(t, out.Targets, 3)

	var buf bytes.Buffer
	printStatusText(&buf, meta, out)

	text := buf.String()
	assert.Contains(t, text, "Run "+runID+" (templates v7, owner acme)")
	assert.Contains(t, text, "1 completed, 1 failed, 1 pending, 0 in progress")
	assert.Contains(t, text, "https://git.example/acme/api/pull/4")
	assert.Contains(t, text, "permanent_remote: 422 Unprocessable Entity")
}

func TestBuildReportOutput(t *testing.T) {
	t.Parallel()

	out := buildReportOutput(sync.Summary{
		RunID:        "r1",
		Targets:      3,
		PlansBuilt:   2,
		Retries:      4,
		TotalLatency: 3 * time.Second,
		MaxLatency:   2 * time.Second,
		ByOutcome: []sync.OutcomeStats{
			{Outcome: "no_changes", Count: 1, TotalLatency: time.Second, MaxLatency: time.Second},
			{Outcome: "pr_opened", Count: 2, TotalLatency: 2 * time.Second, MaxLatency: 2 * time.Second},
		},
	})

	assert.Equal(t, "r1", out.RunID)
	assert.Equal(t, 3, out.Targets)
	assert.Equal(t, 4, out.Retries)
	assert.Equal(t, formatDuration(time.Second), out.AvgLatency)
	require.Len(t, out.Outcomes, 2)
	assert.Equal(t, "pr_opened", out.Outcomes[1].Outcome)

	var buf bytes.Buffer
	printReportText(&buf, out)
	assert.Contains(t, buf.String(), "Run r1: 3 target outcomes, 2 plans, 4 retries")
	assert.Contains(t, buf.String(), "OUTCOME")
}

func TestPrintEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printEvents(&buf, []sync.Event{{
		RunID:   "r1",
		Target:  "acme/api",
		Phase:   sync.PhaseTarget,
		Outcome: "pr_opened",
		Latency: 150 * time.Millisecond,
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})

	assert.Contains(t, buf.String(), "acme/api")
	assert.Contains(t, buf.String(), "pr_opened")
	assert.Contains(t, buf.String(), "12:00:00.000")
}

func TestRunList(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []sync.RunMeta{
		{ID: "r2", TemplateVersion: "v2", Owner: "acme", DryRun: true, CreatedAt: created},
		{ID: "r1", TemplateVersion: "v1", Owner: "acme", CreatedAt: created, FinishedAt: created.Add(time.Minute)},
	}

	out := toStatusRuns(runs)
	require.Len(t, out, 2)
	assert.False(t, out[0].Finished)
	assert.True(t, out[1].Finished)
	assert.Equal(t, "2026-03-01T12:00:00Z", out[0].CreatedAt)

	var buf bytes.Buffer
	printRunList(&buf, runs)
	assert.Contains(t, buf.String(), "unfinished (dry run)")
	assert.Contains(t, buf.String(), "finished")

	buf.Reset()
	printRunList(&buf, nil)
	assert.Equal(t, "No runs recorded yet.\n", buf.String())
}
