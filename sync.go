package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/hosting"
	"github.com/fleetsync/fleetsync/internal/sync"
	"github.com/fleetsync/fleetsync/internal/templates"
)

type syncOptions struct {
	exclude []string
	dryRun  bool
	resume  bool
	runID   string
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync [owner/name ...]",
		Short: "Propose the canonical template set to every target repository",
		Long: `Run a batch: detect each target's category, compute the changes needed
to match the canonical template set, and open or update one pull request per
target.

With no arguments every repository of the configured owner is a target.
Use --dry-run to compute plans without writing anything. An interrupted run
is resumed with --resume (latest run) or --run-id; targets already finished
are not processed again.

Exit status: 0 when every target finished, 1 when any target failed,
2 when targets were left pending (interrupted or circuit open).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.exclude, "exclude", nil, "skip this owner/name target (repeatable)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "compute plans without creating branches or pull requests")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "resume the most recent run")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "resume (or name) the run with this ID")
	cmd.Flags().Int("workers", 0, "concurrent targets (default from config)")
	cmd.MarkFlagsMutuallyExclusive("resume", "run-id")

	return cmd
}

func runSync(cmd *cobra.Command, args []string, opts *syncOptions) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	if err := cfg.RequireSyncInputs(); err != nil {
		return err
	}

	set, err := templates.Load(cfg.Source.TemplatesDir, logger)
	if err != nil {
		return fmt.Errorf("loading template set: %w", err)
	}

	release, err := acquireRunLock(cfg.Engine.StateDir)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := shutdownContext(cmd.Context(), logger)
	defer stop()

	cp, err := openCheckpoint(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cp.Close()

	runID := opts.runID
	if opts.resume {
		meta, err := resolveRunID(ctx, cp, "")
		if err != nil {
			return err
		}

		runID = meta.ID
	}

	rec := sync.NewRecorder(cp.DB(), 0, logger)
	metrics := sync.NewMetrics()

	client, err := newHostingClient(cfg, sync.NewRetryHook(rec, metrics), logger)
	if err != nil {
		rec.Close()

		return err
	}

	engine, err := sync.NewEngine(engineConfig(cfg, client, cp, rec, metrics, set, logger))
	if err != nil {
		rec.Close()

		return err
	}

	report, runErr := engine.Run(ctx, sync.RunOptions{
		RunID:   runID,
		Targets: args,
		Exclude: opts.exclude,
		DryRun:  opts.dryRun,
	})

	// Flush the audit trail before anything reads it or the process exits.
	rec.Close()

	stats := client.CacheStats()
	logger.Info("hosting client stats",
		slog.Int("workers", engine.Workers()),
		slog.Int64("cache_hits", stats.Hits),
		slog.Int64("cache_misses", stats.Misses),
		slog.String("breaker", client.BreakerState().String()),
		slog.Int64("audit_dropped", rec.Dropped()),
	)

	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("could not write metrics textfile", slog.String("error", err.Error()))
		}
	}

	if report != nil && len(report.Targets) > 0 {
		if err := printSyncReport(os.Stdout, cc, report); err != nil {
			return err
		}
	}

	if runErr != nil {
		if errors.Is(runErr, sync.ErrCheckpointCorrupt) {
			return fmt.Errorf("%w (inspect or remove %s)", runErr, cp.Path())
		}

		return runErr
	}

	return syncExitError(report)
}

// engineConfig maps resolved configuration onto the engine's wiring.
func engineConfig(
	cfg *config.Resolved, remote sync.Remote, cp *sync.Checkpoint, rec *sync.Recorder,
	metrics *sync.Metrics, set *templates.Set, logger *slog.Logger,
) sync.EngineConfig {
	return sync.EngineConfig{
		Remote:           remote,
		Checkpoint:       cp,
		Recorder:         rec,
		Metrics:          metrics,
		Templates:        set,
		Owner:            cfg.Targets.Owner,
		Include:          cfg.Targets.Include,
		Exclude:          cfg.Targets.Exclude,
		SourceRepository: cfg.Targets.SourceRepository,
		OverridePath:     cfg.Apply.OverridePath,
		BranchPrefix:     cfg.Apply.BranchPrefix,
		Labels:           cfg.Apply.Labels,
		CloseSuperseded:  cfg.Apply.CloseSuperseded,
		Workers:          cfg.Engine.Workers,
		Logger:           logger,
	}
}

// syncExitError converts a batch outcome into the command's exit status.
func syncExitError(report *sync.BatchReport) error {
	switch report.ExitCode() {
	case sync.ExitFailures:
		return &exitCodeError{
			code: sync.ExitFailures,
			msg:  fmt.Sprintf("%d of %d targets failed", len(report.Failed()), len(report.Targets)),
		}
	case sync.ExitUnfinished:
		return &exitCodeError{
			code: sync.ExitUnfinished,
			msg: fmt.Sprintf("%d targets left pending: resume with 'fleetsync sync --run-id %s'",
				len(report.Deferred()), report.RunID),
		}
	default:
		return nil
	}
}

// syncTargetJSON is one target in `sync --json` output.
type syncTargetJSON struct {
	Target    string   `json:"target"`
	State     string   `json:"state"`
	Outcome   string   `json:"outcome"`
	Category  string   `json:"category,omitempty"`
	Source    string   `json:"category_source,omitempty"`
	Ambiguous bool     `json:"ambiguous,omitempty"`
	Writes    []string `json:"writes,omitempty"`
	Deletes   []string `json:"deletes,omitempty"`
	Protected []string `json:"protected,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	PRURL     string   `json:"pr_url,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Duration  string   `json:"duration,omitempty"`
}

// syncReportJSON is the `sync --json` document.
type syncReportJSON struct {
	RunID           string           `json:"run_id"`
	TemplateVersion string           `json:"template_version"`
	DryRun          bool             `json:"dry_run"`
	Resumed         bool             `json:"resumed"`
	Duration        string           `json:"duration"`
	ExitCode        int              `json:"exit_code"`
	Targets         []syncTargetJSON `json:"targets"`
}

func toSyncReportJSON(r *sync.BatchReport) syncReportJSON {
	out := syncReportJSON{
		RunID:           r.RunID,
		TemplateVersion: r.TemplateVersion,
		DryRun:          r.DryRun,
		Resumed:         r.Resumed,
		Duration:        r.Duration.Round(time.Millisecond).String(),
		ExitCode:        r.ExitCode(),
		Targets:         make([]syncTargetJSON, 0, len(r.Targets)),
	}

	for i := range r.Targets {
		tr := &r.Targets[i]
		t := syncTargetJSON{
			Target:    tr.Target,
			State:     string(tr.State),
			Outcome:   string(tr.Outcome),
			Category:  string(tr.Category),
			Source:    tr.CategorySource,
			Ambiguous: tr.Ambiguous,
			Branch:    tr.Branch,
			PRURL:     tr.PRURL,
			ErrorKind: string(tr.ErrKind),
		}

		if tr.Plan != nil {
			t.Writes = tr.Plan.ToAddOrUpdate()
			t.Deletes = tr.Plan.ToDelete()
			t.Protected = tr.Plan.Protected()
		}

		if tr.Err != nil {
			t.Error = tr.Err.Error()
		}

		if tr.Duration > 0 {
			t.Duration = tr.Duration.Round(time.Millisecond).String()
		}

		out.Targets = append(out.Targets, t)
	}

	return out
}

// printSyncReport writes the batch summary: JSON with --json, otherwise a
// table followed by one line per failure.
func printSyncReport(w io.Writer, cc *CLIContext, r *sync.BatchReport) error {
	if cc.Flags.JSON {
		return printJSON(w, toSyncReportJSON(r))
	}

	rows := make([][]string, 0, len(r.Targets))

	for i := range r.Targets {
		tr := &r.Targets[i]
		rows = append(rows, []string{
			tr.Target,
			string(tr.Outcome),
			string(tr.Category),
			planSummary(tr.Plan),
			tr.PRURL,
		})
	}

	printTable(w, []string{"TARGET", "OUTCOME", "CATEGORY", "CHANGES", "PULL REQUEST"}, rows)

	for _, tr := range r.Failed() {
		fmt.Fprintf(w, "\nfailed %s (%s): %v", tr.Target, tr.ErrKind, tr.Err)
	}

	if len(r.Failed()) > 0 {
		fmt.Fprintln(w)
	}

	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}

	skipped := 0

	for i := range r.Targets {
		if r.Targets[i].Outcome.Skipped() {
			skipped++
		}
	}

	cc.Statusf("\nRun %s%s: %s targets in %s, %d skipped, %d failed, %d pending.\n",
		r.RunID, mode, formatCount(len(r.Targets)), formatDuration(r.Duration),
		skipped, len(r.Failed()), len(r.Deferred()))

	return nil
}

// planSummary renders "+2 ~1 -1" for writes-added, updated, and deleted.
func planSummary(p *sync.Plan) string {
	if p == nil {
		return ""
	}

	adds, updates := 0, 0

	for _, w := range p.Writes() {
		if w.Update {
			updates++
		} else {
			adds++
		}
	}

	return fmt.Sprintf("+%d ~%d -%d", adds, updates, len(p.ToDelete()))
}

var _ sync.Remote = (*hosting.Client)(nil)
