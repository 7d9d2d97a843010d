package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync/fleetsync/internal/detect"
	"github.com/fleetsync/fleetsync/internal/hosting"
	"github.com/fleetsync/fleetsync/internal/override"
	"github.com/fleetsync/fleetsync/internal/templates"
)

// Remote is everything a batch run needs from the hosting provider. The
// hosting client satisfies it.
type Remote interface {
	ChangeRemote
	override.FileReader
	ListRepositories(ctx context.Context, owner string) ([]hosting.Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*hosting.Repository, error)
	GetTree(ctx context.Context, owner, repo, ref string) (*hosting.Tree, error)
	ResetCache()
	Burst() int
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Remote     Remote
	Checkpoint *Checkpoint
	Recorder   *Recorder // nil disables the audit trail
	Metrics    *Metrics  // nil disables metrics
	Templates  *templates.Set

	Owner            string
	Include          []string
	Exclude          []string
	SourceRepository string

	OverridePath    string
	BranchPrefix    string
	Labels          []string
	CloseSuperseded bool

	Workers int
	Logger  *slog.Logger
}

// RunOptions selects what one invocation does.
type RunOptions struct {
	// RunID resumes an existing run, or names a new one. Empty starts a
	// new run with a generated ID.
	RunID string
	// Targets restricts the run to these owner/name targets.
	Targets []string
	// Exclude drops these owner/name targets.
	Exclude []string
	// DryRun computes plans without invoking the applier.
	DryRun bool
}

// Engine runs batches: it selects targets, checkpoints them, and drives each
// through load override → detect → plan → apply on a bounded worker pool.
type Engine struct {
	remote     Remote
	checkpoint *Checkpoint
	recorder   *Recorder
	metrics    *Metrics
	set        *templates.Set
	planner    *Planner
	loader     *override.Loader
	applier    *Applier

	owner            string
	include          []string
	exclude          []string
	sourceRepository string
	closeSuperseded  bool
	workers          int

	logger  *slog.Logger
	nowFunc func() time.Time

	// circuitOpen is set once a target is deferred on an open circuit; no
	// further targets start in this pass.
	circuitOpen atomic.Bool
}

// NewEngine validates cfg and creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Remote == nil || cfg.Checkpoint == nil || cfg.Templates == nil {
		return nil, errors.New("sync: engine requires a remote, a checkpoint, and a template set")
	}

	if cfg.Owner == "" {
		return nil, errors.New("sync: engine requires an owner")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	overridePath := cfg.OverridePath
	if overridePath == "" {
		overridePath = override.DefaultPath
	}

	workers := max(cfg.Workers, 1)

	// The request budget, not CPU, bounds useful concurrency.
	if burst := cfg.Remote.Burst(); burst > 0 && workers > burst {
		logger.Info("capping workers at rate-limit burst",
			slog.Int("workers", workers),
			slog.Int("burst", burst),
		)

		workers = burst
	}

	return &Engine{
		remote:     cfg.Remote,
		checkpoint: cfg.Checkpoint,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		set:        cfg.Templates,
		planner:    NewPlanner(cfg.Templates, overridePath, logger),
		loader:     override.NewLoader(cfg.Remote, overridePath, logger),
		applier: NewApplier(cfg.Remote, ApplierOptions{
			BranchPrefix: cfg.BranchPrefix,
			Labels:       cfg.Labels,
			OverridePath: overridePath,
		}, logger),
		owner:            cfg.Owner,
		include:          cfg.Include,
		exclude:          cfg.Exclude,
		sourceRepository: cfg.SourceRepository,
		closeSuperseded:  cfg.CloseSuperseded,
		workers:          workers,
		logger:           logger,
		nowFunc:          time.Now,
	}, nil
}

// Workers returns the effective pool size.
func (e *Engine) Workers() int {
	return e.workers
}

// Run executes one batch pass. The returned report covers every target of
// the run, including targets finished by earlier invocations. The error is
// non-nil only when the batch had to be aborted (checkpoint corruption or
// an unwritable checkpoint); the partial report is still returned.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*BatchReport, error) {
	start := e.nowFunc()
	e.circuitOpen.Store(false)
	e.remote.ResetCache()

	runID := opts.RunID
	if runID == "" {
		runID = NewRunID(start)
	}

	ctx = withRun(ctx, runID)

	report := &BatchReport{
		RunID:           runID,
		TemplateVersion: e.set.Version(),
		DryRun:          opts.DryRun,
	}

	repos, names, err := e.selectTargets(ctx, opts)
	if err != nil {
		return report, err
	}

	resumed, err := e.checkpoint.Begin(ctx, RunMeta{
		ID:              runID,
		TemplateVersion: e.set.Version(),
		Owner:           e.owner,
		DryRun:          opts.DryRun,
	}, names)
	if err != nil {
		return report, err
	}

	report.Resumed = resumed

	pending, err := e.checkpoint.Resume(ctx, runID)
	if err != nil {
		return report, err
	}

	if len(opts.Targets) > 0 {
		pending = intersect(pending, names)
	}

	e.logger.Info("batch starting",
		slog.String("run_id", runID),
		slog.Bool("resumed", resumed),
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("pending", len(pending)),
		slog.Int("workers", e.workers),
		slog.String("template_version", e.set.Version()),
	)

	results, runErr := e.dispatch(ctx, runID, pending, repos, opts.DryRun)

	if err := e.fillReport(ctx, report, results); err != nil && runErr == nil {
		runErr = err
	}

	report.Duration = e.nowFunc().Sub(start)

	if runErr == nil && len(report.Deferred()) == 0 {
		if err := e.checkpoint.FinishRun(context.WithoutCancel(ctx), runID); err != nil {
			e.logger.Warn("could not mark run finished", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("batch finished",
		slog.String("run_id", runID),
		slog.Int("targets", len(report.Targets)),
		slog.Int("failed", len(report.Failed())),
		slog.Int("deferred", len(report.Deferred())),
		slog.Duration("duration", report.Duration),
	)

	return report, runErr
}

// NewRunID returns a sortable, unique run identifier usable in a branch
// name.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// selectTargets resolves the invocation's target list: explicit targets
// as given, otherwise every repository of the owner filtered by the
// configured include and exclude lists. The source repository and
// explicit exclusions are always dropped. Known repository metadata is
// returned keyed by full name.
func (e *Engine) selectTargets(ctx context.Context, opts RunOptions) (map[string]hosting.Repository, []string, error) {
	repos := make(map[string]hosting.Repository)
	excluded := make(map[string]bool, len(opts.Exclude))

	for _, x := range opts.Exclude {
		excluded[e.qualify(x)] = true
	}

	source := ""
	if e.sourceRepository != "" {
		source = e.qualify(e.sourceRepository)
	}

	keep := func(name string) bool {
		return !excluded[name] && name != source
	}

	var names []string

	if len(opts.Targets) > 0 {
		seen := make(map[string]bool)

		for _, t := range opts.Targets {
			t = e.qualify(t)

			if seen[t] || !keep(t) {
				continue
			}

			seen[t] = true
			names = append(names, t)
		}

		sort.Strings(names)

		return repos, names, nil
	}

	listed, err := e.remote.ListRepositories(ctx, e.owner)
	if err != nil {
		return nil, nil, fmt.Errorf("sync: listing repositories of %s: %w", e.owner, err)
	}

	for _, r := range listed {
		name := r.FullName()

		if len(e.include) > 0 && !matchesAny(r, e.include) {
			continue
		}

		if matchesAny(r, e.exclude) || !keep(name) {
			continue
		}

		repos[name] = r
		names = append(names, name)
	}

	sort.Strings(names)

	return repos, names, nil
}

// qualify prefixes a bare repository name with the configured owner.
func (e *Engine) qualify(name string) string {
	if strings.Contains(name, "/") {
		return name
	}

	return e.owner + "/" + name
}

// matchesAny reports whether repo matches one of patterns. A pattern
// without a slash matches the bare repository name; glob syntax is
// path.Match.
func matchesAny(repo hosting.Repository, patterns []string) bool {
	for _, p := range patterns {
		subject := repo.Name
		if strings.Contains(p, "/") {
			subject = repo.FullName()
		}

		if ok, err := path.Match(p, subject); err == nil && ok {
			return true
		}
	}

	return false
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}

	var out []string

	for _, s := range a {
		if in[s] {
			out = append(out, s)
		}
	}

	return out
}

// processTarget runs one target's pipeline and records its outcome in the
// checkpoint, the audit trail, and metrics. It returns an error only when
// the checkpoint could not be written, which aborts the batch.
func (e *Engine) processTarget(
	ctx context.Context, runID, name string, known *hosting.Repository, dryRun bool,
) (TargetReport, error) {
	start := e.nowFunc()
	ctx = withTarget(ctx, name)
	tr := TargetReport{Target: name, State: StatePending}

	logger := e.logger.With(slog.String("target", name))

	if e.circuitOpen.Load() {
		tr.Outcome, tr.ErrKind = OutcomeDeferred, KindCircuitOpen
		tr.Err = hosting.ErrCircuitOpen
		e.observe(runID, &tr, start)

		return tr, nil
	}

	if err := ctx.Err(); err != nil {
		tr.Outcome, tr.ErrKind, tr.Err = OutcomeDeferred, KindCanceled, err

		return tr, nil
	}

	// Checkpoint bookkeeping must land even when the batch is being
	// canceled.
	wctx := context.WithoutCancel(ctx)

	claimed, err := e.checkpoint.Claim(wctx, runID, name)
	if err != nil {
		return tr, e.checkpointFailure(err)
	}

	if !claimed {
		tr.Outcome = OutcomeAlreadyCompleted

		return tr, nil
	}

	tr.State = StateInProgress

	runErr := safeRun(func() error {
		return e.pipeline(ctx, runID, name, known, dryRun, &tr, logger)
	})

	if runErr != nil {
		tr.ErrKind = Classify(runErr)
		tr.Err = runErr

		if tr.ErrKind == KindCheckpointCorrupt {
			return tr, runErr
		}

		if tr.ErrKind.deferrable() {
			if tr.ErrKind == KindCircuitOpen {
				e.circuitOpen.Store(true)
			}

			logger.Warn("target deferred",
				slog.String("kind", string(tr.ErrKind)),
				slog.String("error", runErr.Error()),
			)

			tr.State, tr.Outcome = StatePending, OutcomeDeferred
			e.observe(runID, &tr, start)

			if err := e.checkpoint.Defer(wctx, runID, name, tr.ErrKind, runErr.Error()); err != nil {
				return tr, e.checkpointFailure(err)
			}

			return tr, nil
		}

		logger.Error("target failed",
			slog.String("kind", string(tr.ErrKind)),
			slog.String("error", runErr.Error()),
		)

		tr.State, tr.Outcome = StateFailed, OutcomeFailed
	} else {
		tr.State = StateCompleted
	}

	e.observe(runID, &tr, start)

	if err := e.checkpoint.Complete(wctx, runID, name, resultOf(&tr)); err != nil {
		return tr, e.checkpointFailure(err)
	}

	return tr, nil
}

// pipeline is the per-target sequence. It fills tr as it learns things and
// returns the first error.
func (e *Engine) pipeline(
	ctx context.Context, runID, name string, known *hosting.Repository, dryRun bool,
	tr *TargetReport, logger *slog.Logger,
) error {
	repo, err := e.resolveRepository(ctx, name, known)
	if err != nil {
		return stageError(name, StageResolve, err)
	}

	switch {
	case repo.Archived:
		tr.Outcome = OutcomeSkippedArchived
		logger.Info("skipping archived repository")

		return nil
	case repo.Disabled:
		tr.Outcome = OutcomeSkippedDisabled
		logger.Info("skipping disabled repository")

		return nil
	}

	decl, err := e.loader.Load(ctx, repo.Owner, repo.Name, repo.DefaultBranch)
	if err != nil {
		var pe *override.ParseError
		if errors.As(err, &pe) {
			err = &ConfigurationError{Target: name, Err: pe}
		}

		return stageError(name, StageOverride, err)
	}

	if !decl.Enabled {
		tr.Outcome = OutcomeSkippedOptedOut
		logger.Info("sync disabled by override declaration")

		return nil
	}

	if err := ctx.Err(); err != nil {
		return stageError(name, StagePlan, err)
	}

	tree, err := e.remote.GetTree(ctx, repo.Owner, repo.Name, repo.DefaultBranch)
	if err != nil {
		return stageError(name, StagePlan, fmt.Errorf("sync: reading tree: %w", err))
	}

	if tree.Truncated {
		logger.Warn("tree listing truncated, cleanup may miss files")
	}

	e.resolveCategory(decl, tree, tr, logger)

	plan := e.planner.Plan(PlanInput{
		Category: tr.Category,
		Override: decl,
		Current:  tree.Hashes(),
	})
	tr.Plan = plan

	e.metrics.observePlan(plan)
	e.record(Event{
		RunID:   runID,
		Target:  name,
		Phase:   PhasePlan,
		Outcome: planOutcome(plan),
		Detail: fmt.Sprintf("category=%s writes=%d deletes=%d unchanged=%d",
			tr.Category, len(plan.writes), len(plan.deletes), len(plan.unchanged)),
	})

	if plan.Empty() {
		tr.Outcome = OutcomeNoChanges
		logger.Info("target already in sync")

		if !dryRun {
			e.closeSupersededPRs(context.WithoutCancel(ctx), *repo, "", logger)
		}

		return nil
	}

	if dryRun {
		tr.Outcome = OutcomePlanned

		return nil
	}

	if err := ctx.Err(); err != nil {
		return stageError(name, StageApply, err)
	}

	// Commit and pull request form one logical step; once started it runs
	// to completion even if the batch is canceled.
	applyCtx := context.WithoutCancel(ctx)
	applyStart := e.nowFunc()

	res, err := e.applier.Apply(applyCtx, *repo, plan, runID, func(p Progress) {
		if err := e.checkpoint.RecordProgress(applyCtx, runID, name, p); err != nil {
			logger.Warn("could not record progress", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return stageError(name, StageApply, err)
	}

	tr.Outcome = res.Outcome
	tr.Branch = res.Branch
	tr.CommitSHA = res.CommitSHA

	if res.PR != nil {
		tr.PRNumber = res.PR.Number
		tr.PRURL = res.PR.URL
	}

	e.record(Event{
		RunID:   runID,
		Target:  name,
		Phase:   PhaseApply,
		Outcome: string(res.Outcome),
		Latency: e.nowFunc().Sub(applyStart),
		Detail:  tr.PRURL,
	})

	if res.PR != nil {
		e.closeSupersededPRs(applyCtx, *repo, res.Branch, logger)
	}

	return nil
}

func (e *Engine) resolveRepository(ctx context.Context, name string, known *hosting.Repository) (*hosting.Repository, error) {
	if known != nil {
		return known, nil
	}

	owner, repoName, ok := strings.Cut(name, "/")
	if !ok {
		return nil, fmt.Errorf("sync: target %q is not owner/name", name)
	}

	repo, err := e.remote.GetRepository(ctx, owner, repoName)
	if err != nil {
		return nil, fmt.Errorf("sync: reading repository: %w", err)
	}

	return repo, nil
}

// resolveCategory applies the override's repository_type, falling back to
// the detector. An explicit override always wins.
func (e *Engine) resolveCategory(decl override.Declaration, tree *hosting.Tree, tr *TargetReport, logger *slog.Logger) {
	if decl.RepositoryType != "" {
		tr.Category = decl.RepositoryType
		tr.CategorySource = "override"

		return
	}

	res := detect.Detect(tree.Paths())
	tr.Category = res.Category
	tr.CategorySource = "detected"
	tr.Ambiguous = res.Ambiguous

	if res.Ambiguous {
		logger.Warn("category detection ambiguous, using default",
			slog.String("kind", string(KindDetectionAmbiguous)),
			slog.String("category", string(res.Category)),
			slog.String("evidence", res.Evidence),
		)

		return
	}

	logger.Debug("category detected",
		slog.String("category", string(res.Category)),
		slog.String("rule", string(res.Rule)),
		slog.String("evidence", res.Evidence),
	)
}

func (e *Engine) closeSupersededPRs(ctx context.Context, repo hosting.Repository, keep string, logger *slog.Logger) {
	if !e.closeSuperseded {
		return
	}

	if _, err := e.applier.CloseSuperseded(ctx, repo, keep); err != nil {
		logger.Warn("could not close superseded pull requests", slog.String("error", err.Error()))
	}
}

func (e *Engine) checkpointFailure(err error) error {
	if errors.Is(err, ErrCheckpointCorrupt) {
		return err
	}

	return fmt.Errorf("sync: checkpoint write failed, aborting batch: %w", err)
}

// observe emits the target's terminal audit event and metrics.
func (e *Engine) observe(runID string, tr *TargetReport, start time.Time) {
	tr.Duration = e.nowFunc().Sub(start)

	ev := Event{
		RunID:   runID,
		Target:  tr.Target,
		Phase:   PhaseTarget,
		Outcome: string(tr.Outcome),
		Latency: tr.Duration,
	}

	if tr.Err != nil {
		ev.Detail = string(tr.ErrKind) + ": " + tr.Err.Error()
	} else if tr.Ambiguous {
		ev.Detail = string(KindDetectionAmbiguous)
	}

	e.record(ev)
	e.metrics.observeTarget(tr.Outcome, tr.Duration)
}

func (e *Engine) record(ev Event) {
	if e.recorder != nil {
		e.recorder.Record(ev)
	}
}

// fillReport merges this pass's results with the checkpoint's view of the
// whole run, in target order.
func (e *Engine) fillReport(ctx context.Context, report *BatchReport, results map[string]TargetReport) error {
	records, err := e.checkpoint.Targets(context.WithoutCancel(ctx), report.RunID)
	if err != nil {
		for _, tr := range results {
			report.Targets = append(report.Targets, tr)
		}

		sort.Slice(report.Targets, func(i, j int) bool { return report.Targets[i].Target < report.Targets[j].Target })

		return err
	}

	for i := range records {
		rec := &records[i]

		if tr, ok := results[rec.Target]; ok && tr.Outcome != OutcomeAlreadyCompleted {
			report.Targets = append(report.Targets, tr)

			continue
		}

		tr := TargetReport{
			Target:    rec.Target,
			State:     rec.State,
			Outcome:   rec.Outcome,
			Category:  templates.Category(rec.Category),
			Branch:    rec.Branch,
			CommitSHA: rec.CommitSHA,
			PRNumber:  rec.PRNumber,
			PRURL:     rec.PRURL,
			ErrKind:   rec.ErrKind,
		}

		if rec.Reason != "" {
			tr.Err = errors.New(rec.Reason)
		}

		if !rec.State.Terminal() && tr.Outcome == "" {
			tr.Outcome = OutcomeDeferred
		}

		report.Targets = append(report.Targets, tr)
	}

	if e.recorder != nil {
		e.metrics.finishBatch(e.recorder.Dropped(), e.nowFunc())
	} else {
		e.metrics.finishBatch(0, e.nowFunc())
	}

	return nil
}

func resultOf(tr *TargetReport) Result {
	r := Result{
		State:     tr.State,
		Outcome:   tr.Outcome,
		Category:  string(tr.Category),
		ErrKind:   tr.ErrKind,
		Branch:    tr.Branch,
		CommitSHA: tr.CommitSHA,
		PRNumber:  tr.PRNumber,
		PRURL:     tr.PRURL,
	}

	if tr.Err != nil {
		r.Reason = tr.Err.Error()
	}

	return r
}

func planOutcome(p *Plan) string {
	if p.Empty() {
		return "empty"
	}

	return "changes"
}

type ctxKey int

const (
	runIDKey ctxKey = iota
	targetKey
)

func withRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func withTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey, target)
}

// NewRetryHook returns a hosting.RetryHook that records every retried
// remote operation of a batch in the audit trail and metrics. Either
// argument may be nil.
func NewRetryHook(rec *Recorder, m *Metrics) hosting.RetryHook {
	return func(ctx context.Context, op string, attempt int, err error) {
		m.observeRetry(op)

		runID, _ := ctx.Value(runIDKey).(string)
		if rec == nil || runID == "" {
			return
		}

		target, _ := ctx.Value(targetKey).(string)
		rec.Record(Event{
			RunID:   runID,
			Target:  target,
			Phase:   PhaseRetry,
			Outcome: op,
			Detail:  fmt.Sprintf("attempt %d: %v", attempt, err),
		})
	}
}
