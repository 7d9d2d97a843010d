package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/internal/hosting"
	"github.com/fleetsync/fleetsync/internal/templates"
)

type engineFixture struct {
	remote *fakeRemote
	cp     *Checkpoint
	rec    *Recorder
	m      *Metrics
	engine *Engine
}

func newEngineFixture(t *testing.T, remote *fakeRemote, mutate ...func(*EngineConfig)) *engineFixture {
	t.Helper()

	cp := newTestCheckpoint(t)
	rec := NewRecorder(cp.DB(), 0, discardLogger())
	t.Cleanup(rec.Close)

	m := NewMetrics()

	cfg := EngineConfig{
		Remote:       remote,
		Checkpoint:   cp,
		Recorder:     rec,
		Metrics:      m,
		Templates:    scenarioSet(t),
		Owner:        "acme",
		BranchPrefix: "fleetsync",
		Labels:       []string{"templates"},
		Workers:      1,
		Logger:       testLogger(t),
	}

	for _, fn := range mutate {
		fn(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	return &engineFixture{remote: remote, cp: cp, rec: rec, m: m, engine: engine}
}

// fourRepos creates acme/a through acme/d, none of which carries the
// canonical files yet.
func fourRepos() *fakeRemote {
	remote := newFakeRemote()
	for _, name := range []string{"a", "b", "c", "d"} {
		remote.addRepo("acme", name, map[string]string{"README.md": name})
	}

	return remote
}

func findTarget(t *testing.T, report *BatchReport, name string) TargetReport {
	t.Helper()

	for _, tr := range report.Targets {
		if tr.Target == name {
			return tr
		}
	}

	require.Failf(t, "target missing from report", "%s", name)

	return TargetReport{}
}

// repoCalls counts operations per repository through the failure hook.
type repoCalls struct {
	mu     gosync.Mutex
	counts map[string]int
}

func (c *repoCalls) add(op, repo string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts == nil {
		c.counts = make(map[string]int)
	}

	c.counts[op+" "+repo]++
}

func (c *repoCalls) get(op, repo string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[op+" "+repo]
}

func TestEngine_RunSyncsEveryTarget(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	remote.addRepo("acme", "api", map[string]string{"go.mod": "module api", "main.go": "package main"})
	remote.addRepo("acme", "infra", map[string]string{".terraform.lock.hcl": "", "main.tf": ""})
	remote.addRepo("acme", "done", map[string]string{"workflows/build.yml": "build"})
	remote.addRepo("acme", "old", map[string]string{}).meta.Archived = true
	remote.addRepo("acme", "off", map[string]string{}).meta.Disabled = true
	remote.addRepo("other", "elsewhere", map[string]string{})

	fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.Workers = 4 })

	report, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, report.Targets, 5)
	assert.False(t, report.Resumed)
	assert.Equal(t, "v1", report.TemplateVersion)
	assert.Equal(t, ExitOK, report.ExitCode())

	api := findTarget(t, report, "acme/api")
	assert.Equal(t, OutcomePROpened, api.Outcome)
	assert.Equal(t, templates.CategoryGo, api.Category)
	assert.Equal(t, "detected", api.CategorySource)
	assert.Equal(t, "fleetsync/"+report.RunID, api.Branch)
	assert.Equal(t, 1, api.PRNumber)

	infra := findTarget(t, report, "acme/infra")
	assert.Equal(t, templates.CategoryTerraform, infra.Category)
	assert.Equal(t, []string{"workflows/build.yml", "workflows/terraform.yml"}, infra.Plan.ToAddOrUpdate())

	assert.Equal(t, OutcomeNoChanges, findTarget(t, report, "acme/done").Outcome)
	assert.Equal(t, OutcomeSkippedArchived, findTarget(t, report, "acme/old").Outcome)
	assert.Equal(t, OutcomeSkippedDisabled, findTarget(t, report, "acme/off").Outcome)

	records, err := fx.cp.Targets(t.Context(), report.RunID)
	require.NoError(t, err)

	for _, rec := range records {
		assert.Equal(t, StateCompleted, rec.State, rec.Target)
	}

	meta, err := fx.cp.Run(t.Context(), report.RunID)
	require.NoError(t, err)
	assert.False(t, meta.FinishedAt.IsZero())

	assert.InDelta(t, 2, testutil.ToFloat64(fx.m.targetsTotal.WithLabelValues("pr_opened")), 0)
}

func TestEngine_MergedChangesConvergeToNoChanges(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	repo := remote.addRepo("acme", "api", map[string]string{"README.md": "x", "workflows/old.yml": "o"})

	fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.CloseSuperseded = true })

	first, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)

	branch := findTarget(t, first, "acme/api").Branch

	// Merge the sync branch.
	remote.mu.Lock()
	repo.refs["main"] = repo.refs[branch]
	remote.mu.Unlock()

	second, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	tr := findTarget(t, second, "acme/api")
	assert.Equal(t, OutcomeNoChanges, tr.Outcome)
	assert.True(t, tr.Plan.Empty())

	// The first run's pull request is superseded once main is in sync.
	prs := remote.pulls("acme", "api")
	require.Len(t, prs, 1)
	assert.Equal(t, "closed", prs[0].State)
}

func TestEngine_ResumeSkipsCompletedTargets(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	calls := &repoCalls{}
	ctx, cancel := context.WithCancel(t.Context())

	remote.fail = func(op, repo string) error {
		calls.add(op, repo)

		if op == "GetTree" && repo == "acme/c" && ctx.Err() == nil {
			cancel()

			return fmt.Errorf("tree: %w", context.Canceled)
		}

		return nil
	}

	fx := newEngineFixture(t, remote)

	first, err := fx.engine.Run(ctx, RunOptions{RunID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, ExitUnfinished, first.ExitCode())
	assert.Equal(t, OutcomePROpened, findTarget(t, first, "acme/a").Outcome)
	assert.Equal(t, OutcomePROpened, findTarget(t, first, "acme/b").Outcome)
	assert.Equal(t, KindCanceled, findTarget(t, first, "acme/c").ErrKind)
	require.Len(t, first.Deferred(), 2)

	pending, err := fx.cp.Resume(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/c", "acme/d"}, pending)

	second, err := fx.engine.Run(t.Context(), RunOptions{RunID: "r1"})
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Equal(t, ExitOK, second.ExitCode())
	require.Len(t, second.Targets, 4)

	for _, tr := range second.Targets {
		assert.Equal(t, StateCompleted, tr.State, tr.Target)
	}

	// Completed targets are not reprocessed; only the two left over are.
	assert.Equal(t, 1, calls.get("GetTree", "acme/a"))
	assert.Equal(t, 1, calls.get("GetTree", "acme/b"))
	assert.Equal(t, 2, calls.get("GetTree", "acme/c"))
	assert.Equal(t, 1, calls.get("GetTree", "acme/d"))
	assert.Len(t, remote.pulls("acme", "a"), 1)
}

func TestEngine_OpenCircuitDefersRemainingTargets(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	remote.fail = func(op, repo string) error {
		if op == "GetFile" && repo == "acme/b" {
			return hosting.ErrCircuitOpen
		}

		return nil
	}

	fx := newEngineFixture(t, remote)

	report, err := fx.engine.Run(t.Context(), RunOptions{RunID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomePROpened, findTarget(t, report, "acme/a").Outcome)

	for _, name := range []string{"acme/b", "acme/c", "acme/d"} {
		tr := findTarget(t, report, name)
		assert.Equal(t, OutcomeDeferred, tr.Outcome, name)
		assert.Equal(t, KindCircuitOpen, tr.ErrKind, name)
		assert.False(t, tr.State.Terminal(), name)
	}

	assert.Equal(t, ExitUnfinished, report.ExitCode())

	records, err := fx.cp.Targets(t.Context(), "r1")
	require.NoError(t, err)

	attempts := make(map[string]int)
	for _, r := range records {
		attempts[r.Target] = r.Attempts
	}

	assert.Equal(t, 1, attempts["acme/b"])
	assert.Zero(t, attempts["acme/c"], "no target starts once the circuit is open")
	assert.Zero(t, attempts["acme/d"])
}

func TestEngine_MalformedOverrideFailsOnlyThatTarget(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	remote.addRepo("acme", "bad", map[string]string{".github/template-sync.yml": "enabled: [nope"})

	fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.Workers = 3 })

	report, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)

	bad := findTarget(t, report, "acme/bad")
	assert.Equal(t, StateFailed, bad.State)
	assert.Equal(t, OutcomeFailed, bad.Outcome)
	assert.Equal(t, KindConfiguration, bad.ErrKind)

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, bad.Err, &cfgErr)

	var targetErr *TargetError
	require.ErrorAs(t, bad.Err, &targetErr)
	assert.Equal(t, "acme/bad", targetErr.Target)
	assert.Equal(t, StageOverride, targetErr.Stage)

	assert.Len(t, report.Failed(), 1)
	assert.Equal(t, 4, report.Count(OutcomePROpened))
	assert.Equal(t, ExitFailures, report.ExitCode())
}

func TestEngine_OverrideWinsOverDetection(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	remote.addRepo("acme", "api", map[string]string{
		"go.mod":                    "module api",
		".github/template-sync.yml": "repository_type: terraform\n",
	})
	remote.addRepo("acme", "quiet", map[string]string{
		".github/template-sync.yml": "enabled: false\n",
	})

	fx := newEngineFixture(t, remote)

	report, err := fx.engine.Run(t.Context(), RunOptions{DryRun: true})
	require.NoError(t, err)

	api := findTarget(t, report, "acme/api")
	assert.Equal(t, templates.CategoryTerraform, api.Category)
	assert.Equal(t, "override", api.CategorySource)
	assert.Contains(t, api.Plan.ToAddOrUpdate(), "workflows/terraform.yml")

	assert.Equal(t, OutcomeSkippedOptedOut, findTarget(t, report, "acme/quiet").Outcome)
}

func TestEngine_DryRunNeverWrites(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	fx := newEngineFixture(t, remote)

	report, err := fx.engine.Run(t.Context(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.Count(OutcomePlanned))

	for _, tr := range report.Targets {
		require.NotNil(t, tr.Plan, tr.Target)
		assert.Equal(t, []string{"workflows/build.yml"}, tr.Plan.ToAddOrUpdate())
	}

	for _, op := range []string{"CreateRef", "CreateTree", "CreateCommit", "CreatePullRequest", "ClosePullRequest"} {
		assert.Zero(t, remote.callCount(op), op)
	}
}

func TestEngine_PanicFailsOnlyThatTarget(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	remote.fail = func(op, repo string) error {
		if op == "GetTree" && repo == "acme/a" {
			panic("boom")
		}

		return nil
	}

	fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.Workers = 2 })

	report, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)

	a := findTarget(t, report, "acme/a")
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, KindInternal, a.ErrKind)
	assert.Contains(t, a.Err.Error(), "boom")

	assert.Equal(t, 3, report.Count(OutcomePROpened))
}

func TestEngine_PermanentRemoteFailure(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	remote.fail = func(op, repo string) error {
		if op == "GetTree" && repo == "acme/c" {
			return &hosting.APIError{StatusCode: 403, Message: "forbidden", Err: hosting.ErrForbidden}
		}

		return nil
	}

	fx := newEngineFixture(t, remote)

	report, err := fx.engine.Run(t.Context(), RunOptions{RunID: "r1"})
	require.NoError(t, err)

	c := findTarget(t, report, "acme/c")
	assert.Equal(t, KindPermanentRemote, c.ErrKind)
	assert.Equal(t, StateFailed, c.State)

	var targetErr *TargetError
	require.ErrorAs(t, c.Err, &targetErr)
	assert.Equal(t, StagePlan, targetErr.Stage)
	assert.Equal(t, KindPermanentRemote, targetErr.Kind)

	// Failed is terminal within a run: resuming does not retry it.
	remote.fail = nil

	again, err := fx.engine.Run(t.Context(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, findTarget(t, again, "acme/c").State)
	assert.Equal(t, ExitFailures, again.ExitCode())
}

func TestEngine_TargetSelection(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	remote.addRepo("acme", "templates", map[string]string{})
	remote.addRepo("acme", "svc-one", map[string]string{})
	remote.addRepo("acme", "svc-two", map[string]string{})

	t.Run("include and exclude patterns", func(t *testing.T) {
		t.Parallel()

		fx := newEngineFixture(t, remote, func(c *EngineConfig) {
			c.Include = []string{"svc-*", "acme/a"}
			c.Exclude = []string{"svc-two"}
		})

		report, err := fx.engine.Run(t.Context(), RunOptions{DryRun: true})
		require.NoError(t, err)

		var names []string
		for _, tr := range report.Targets {
			names = append(names, tr.Target)
		}

		assert.Equal(t, []string{"acme/a", "acme/svc-one"}, names)
	})

	t.Run("source repository is never a target", func(t *testing.T) {
		t.Parallel()

		fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.SourceRepository = "templates" })

		report, err := fx.engine.Run(t.Context(), RunOptions{DryRun: true, Exclude: []string{"acme/d"}})
		require.NoError(t, err)

		for _, tr := range report.Targets {
			assert.NotEqual(t, "acme/templates", tr.Target)
			assert.NotEqual(t, "acme/d", tr.Target)
		}

		assert.Len(t, report.Targets, 5)
	})

	t.Run("explicit targets", func(t *testing.T) {
		t.Parallel()

		fx := newEngineFixture(t, remote)

		report, err := fx.engine.Run(t.Context(), RunOptions{
			DryRun:  true,
			Targets: []string{"b", "acme/a", "acme/b"},
		})
		require.NoError(t, err)
		require.Len(t, report.Targets, 2)
		assert.Equal(t, "acme/a", report.Targets[0].Target)
		assert.Equal(t, "acme/b", report.Targets[1].Target)
	})
}

func TestEngine_UnknownExplicitTargetFails(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, fourRepos())

	report, err := fx.engine.Run(t.Context(), RunOptions{Targets: []string{"acme/missing"}})
	require.NoError(t, err)

	tr := findTarget(t, report, "acme/missing")
	assert.Equal(t, StateFailed, tr.State)
	assert.True(t, errors.Is(tr.Err, hosting.ErrNotFound))
}

func TestEngine_TemplateVersionChangeOnResumeIsCorrupt(t *testing.T) {
	t.Parallel()

	remote := fourRepos()
	fx := newEngineFixture(t, remote)

	_, err := fx.engine.Run(t.Context(), RunOptions{RunID: "r1", DryRun: true})
	require.NoError(t, err)

	v2, err := templates.NewSet("v2", nil, []templates.Entry{entry("workflows/build.yml", "build2", templates.TagAll)})
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Remote:     remote,
		Checkpoint: fx.cp,
		Templates:  v2,
		Owner:      "acme",
		Logger:     testLogger(t),
	})
	require.NoError(t, err)

	_, err = engine.Run(t.Context(), RunOptions{RunID: "r1", DryRun: true})
	require.ErrorIs(t, err, ErrCheckpointCorrupt)
	assert.Equal(t, KindCheckpointCorrupt, Classify(err))
}

func TestEngine_AuditTrailCoversRun(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, fourRepos())

	report, err := fx.engine.Run(t.Context(), RunOptions{})
	require.NoError(t, err)

	fx.rec.Close()

	s, err := Summarize(t.Context(), fx.cp.DB(), report.RunID)
	require.NoError(t, err)

	assert.Equal(t, 4, s.Targets)
	assert.Equal(t, 4, s.Count(string(OutcomePROpened)))
	assert.Equal(t, 4, s.PlansBuilt)

	events, err := Events(t.Context(), fx.cp.DB(), report.RunID)
	require.NoError(t, err)

	phases := make(map[Phase]int)
	for _, ev := range events {
		phases[ev.Phase]++
	}

	assert.Equal(t, 4, phases[PhaseApply])
}

func TestEngine_WorkersCappedAtBurst(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	remote.burst = 2

	fx := newEngineFixture(t, remote, func(c *EngineConfig) { c.Workers = 8 })
	assert.Equal(t, 2, fx.engine.Workers())
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineConfig{})
	require.Error(t, err)

	_, err = NewEngine(EngineConfig{Remote: newFakeRemote(), Checkpoint: newTestCheckpoint(t), Templates: scenarioSet(t)})
	require.Error(t, err, "owner is required")
}

func TestNewRetryHook_RecordsRetries(t *testing.T) {
	t.Parallel()

	cp := newTestCheckpoint(t)
	rec := NewRecorder(cp.DB(), 0, discardLogger())
	m := NewMetrics()

	hook := NewRetryHook(rec, m)
	ctx := withTarget(withRun(t.Context(), "r1"), "acme/a")

	hook(ctx, "GetTree", 1, errors.New("502"))
	hook(t.Context(), "ListRepositories", 1, errors.New("502"))
	rec.Close()

	events, err := Events(t.Context(), cp.DB(), "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, PhaseRetry, events[0].Phase)
	assert.Equal(t, "acme/a", events[0].Target)
	assert.Equal(t, "GetTree", events[0].Outcome)
	assert.Contains(t, events[0].Detail, "attempt 1")

	assert.InDelta(t, 1, testutil.ToFloat64(m.retriesTotal.WithLabelValues("GetTree")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.retriesTotal.WithLabelValues("ListRepositories")), 0)
}

func TestNewRunID_IsUniqueAndSortable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, b := NewRunID(now), NewRunID(now)

	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^20260301T100000-[0-9a-f]{8}$`, a)
	assert.Less(t, a, NewRunID(now.Add(time.Second)))
}
