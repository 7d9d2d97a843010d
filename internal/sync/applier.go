package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetsync/fleetsync/internal/hosting"
)

// ErrProtectedBranch is returned when the sync branch would be the target's
// default branch. The applier never commits to it.
var ErrProtectedBranch = errors.New("sync: refusing to write to the default branch")

// ChangeRemote is the subset of the hosting client the applier writes
// through.
type ChangeRemote interface {
	GetRef(ctx context.Context, owner, repo, branch string) (string, error)
	CreateRef(ctx context.Context, owner, repo, branch, sha string) error
	UpdateRef(ctx context.Context, owner, repo, branch, sha string) error
	GetCommit(ctx context.Context, owner, repo, sha string) (*hosting.Commit, error)
	GetTreeUncached(ctx context.Context, owner, repo, ref string) (*hosting.Tree, error)
	CreateTree(ctx context.Context, owner, repo, baseTree string, changes []hosting.TreeChange) (string, error)
	CreateCommit(ctx context.Context, owner, repo, message, tree string, parents []string) (string, error)
	FindPullRequest(ctx context.Context, owner, repo, branch string) (*hosting.PullRequest, bool, error)
	ListPullRequests(ctx context.Context, owner, repo string) ([]hosting.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo string, in hosting.NewPullRequest) (*hosting.PullRequest, error)
	UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, body string) (*hosting.PullRequest, error)
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
}

// ApplyResult is the remote state an Apply produced.
type ApplyResult struct {
	Outcome   Outcome
	Branch    string
	CommitSHA string
	PR        *hosting.PullRequest
}

// ApplierOptions configures an Applier.
type ApplierOptions struct {
	BranchPrefix string
	Labels       []string
	OverridePath string
}

// Applier turns a non-empty Plan into a branch, a single commit, and a pull
// request. Every step is idempotent for a given run: an existing branch is
// reused, changes already on the branch are not committed again, and an
// existing pull request is updated in place.
type Applier struct {
	remote       ChangeRemote
	prefix       string
	labels       []string
	overridePath string
	logger       *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(remote ChangeRemote, opts ApplierOptions, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Applier{
		remote:       remote,
		prefix:       strings.TrimSuffix(opts.BranchPrefix, "/"),
		labels:       append([]string(nil), opts.Labels...),
		overridePath: opts.OverridePath,
		logger:       logger,
	}
}

// BranchName is the dedicated sync branch for a run.
func (a *Applier) BranchName(runID string) string {
	return a.prefix + "/" + runID
}

// Apply writes plan to repo. progress, when non-nil, is called as soon as
// each durable remote object exists so the checkpoint can record it.
func (a *Applier) Apply(
	ctx context.Context, repo hosting.Repository, plan *Plan, runID string, progress func(Progress),
) (*ApplyResult, error) {
	if plan == nil || plan.Empty() {
		return nil, errors.New("sync: apply called without changes")
	}

	if progress == nil {
		progress = func(Progress) {}
	}

	branch := a.BranchName(runID)
	if branch == repo.DefaultBranch {
		return nil, fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
	}

	owner, name := repo.Owner, repo.Name
	logger := a.logger.With(slog.String("target", repo.FullName()), slog.String("branch", branch))

	baseSHA, err := a.remote.GetRef(ctx, owner, name, repo.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("sync: reading %s head: %w", repo.DefaultBranch, err)
	}

	headSHA, err := a.ensureBranch(ctx, owner, name, branch, baseSHA)
	if err != nil {
		return nil, err
	}

	progress(Progress{Branch: branch})

	changes, err := a.pendingChanges(ctx, owner, name, headSHA, plan)
	if err != nil {
		return nil, err
	}

	if len(changes) == 0 && headSHA == baseSHA {
		logger.Info("branch already matches default branch, nothing to propose")

		return &ApplyResult{Outcome: OutcomeNoChanges, Branch: branch, CommitSHA: headSHA}, nil
	}

	commitSHA := headSHA

	if len(changes) > 0 {
		commitSHA, err = a.commit(ctx, owner, name, branch, headSHA, plan, changes)
		if err != nil {
			return nil, err
		}

		progress(Progress{CommitSHA: commitSHA})
		logger.Info("committed template changes",
			slog.String("commit", commitSHA),
			slog.Int("changes", len(changes)),
		)
	} else {
		logger.Info("branch already carries the planned changes", slog.String("commit", commitSHA))
	}

	pr, outcome, err := a.upsertPullRequest(ctx, repo, branch, runID, plan)
	if err != nil {
		return nil, err
	}

	progress(Progress{PRNumber: pr.Number, PRURL: pr.URL})

	if err := a.remote.AddLabels(ctx, owner, name, pr.Number, a.labels); err != nil {
		return nil, fmt.Errorf("sync: labeling pull request #%d: %w", pr.Number, err)
	}

	logger.Info("pull request ready",
		slog.Int("number", pr.Number),
		slog.String("outcome", string(outcome)),
	)

	return &ApplyResult{Outcome: outcome, Branch: branch, CommitSHA: commitSHA, PR: pr}, nil
}

// ensureBranch returns the head of branch, creating it at baseSHA when it
// does not exist yet. Losing a creation race counts as success.
func (a *Applier) ensureBranch(ctx context.Context, owner, name, branch, baseSHA string) (string, error) {
	head, err := a.remote.GetRef(ctx, owner, name, branch)
	if err == nil {
		return head, nil
	}

	if !errors.Is(err, hosting.ErrNotFound) {
		return "", fmt.Errorf("sync: reading branch %s: %w", branch, err)
	}

	err = a.remote.CreateRef(ctx, owner, name, branch, baseSHA)

	switch {
	case err == nil:
		return baseSHA, nil
	case errors.Is(err, hosting.ErrAlreadyExists):
		head, err = a.remote.GetRef(ctx, owner, name, branch)
		if err != nil {
			return "", fmt.Errorf("sync: reading branch %s: %w", branch, err)
		}

		return head, nil
	default:
		return "", fmt.Errorf("sync: creating branch %s: %w", branch, err)
	}
}

// pendingChanges drops planned changes the branch head already carries.
func (a *Applier) pendingChanges(ctx context.Context, owner, name, headSHA string, plan *Plan) ([]hosting.TreeChange, error) {
	tree, err := a.remote.GetTreeUncached(ctx, owner, name, headSHA)
	if err != nil {
		return nil, fmt.Errorf("sync: reading branch tree: %w", err)
	}

	onBranch := tree.Hashes()

	modes := make(map[string]string, len(tree.Entries))
	for _, e := range tree.Entries {
		modes[e.Path] = e.Mode
	}

	var changes []hosting.TreeChange

	for _, w := range plan.writes {
		if onBranch[w.Path] != w.Hash {
			changes = append(changes, hosting.TreeChange{Path: w.Path, Content: w.Content, Mode: writeMode(w, modes[w.Path])})
		}
	}

	for _, p := range plan.deletes {
		if _, ok := onBranch[p]; ok {
			changes = append(changes, hosting.TreeChange{Path: p, Delete: true})
		}
	}

	return changes, nil
}

// writeMode is the file mode for w. Templates marked executable always get
// the executable mode; otherwise an existing executable file keeps its bit.
func writeMode(w FileWrite, current string) string {
	if w.Executable || current == hosting.ModeExecutable {
		return hosting.ModeExecutable
	}

	return hosting.ModeFile
}

// commit creates one commit with every change on top of headSHA and
// fast-forwards branch to it.
func (a *Applier) commit(
	ctx context.Context, owner, name, branch, headSHA string, plan *Plan, changes []hosting.TreeChange,
) (string, error) {
	head, err := a.remote.GetCommit(ctx, owner, name, headSHA)
	if err != nil {
		return "", fmt.Errorf("sync: reading commit %s: %w", headSHA, err)
	}

	tree, err := a.remote.CreateTree(ctx, owner, name, head.TreeSHA, changes)
	if err != nil {
		return "", fmt.Errorf("sync: creating tree: %w", err)
	}

	sha, err := a.remote.CreateCommit(ctx, owner, name, commitMessage(plan), tree, []string{headSHA})
	if err != nil {
		return "", fmt.Errorf("sync: creating commit: %w", err)
	}

	if err := a.remote.UpdateRef(ctx, owner, name, branch, sha); err != nil {
		return "", fmt.Errorf("sync: advancing %s: %w", branch, err)
	}

	return sha, nil
}

func (a *Applier) upsertPullRequest(
	ctx context.Context, repo hosting.Repository, branch, runID string, plan *Plan,
) (*hosting.PullRequest, Outcome, error) {
	owner, name := repo.Owner, repo.Name
	title, body := pullRequestTitle(plan), a.pullRequestBody(plan, runID)

	update := func(number int) (*hosting.PullRequest, Outcome, error) {
		pr, err := a.remote.UpdatePullRequest(ctx, owner, name, number, title, body)
		if err != nil {
			return nil, "", fmt.Errorf("sync: updating pull request #%d: %w", number, err)
		}

		return pr, OutcomePRUpdated, nil
	}

	existing, found, err := a.remote.FindPullRequest(ctx, owner, name, branch)
	if err != nil {
		return nil, "", fmt.Errorf("sync: looking up pull request: %w", err)
	}

	if found {
		return update(existing.Number)
	}

	pr, err := a.remote.CreatePullRequest(ctx, owner, name, hosting.NewPullRequest{
		Title: title,
		Body:  body,
		Head:  branch,
		Base:  repo.DefaultBranch,
	})

	switch {
	case err == nil:
		return pr, OutcomePROpened, nil
	case errors.Is(err, hosting.ErrAlreadyExists):
		existing, found, err = a.remote.FindPullRequest(ctx, owner, name, branch)
		if err != nil {
			return nil, "", fmt.Errorf("sync: looking up pull request: %w", err)
		}

		if !found {
			return nil, "", fmt.Errorf("sync: pull request for %s reported as existing but not found", branch)
		}

		return update(existing.Number)
	default:
		return nil, "", fmt.Errorf("sync: opening pull request: %w", err)
	}
}

// CloseSuperseded closes open pull requests from earlier runs' sync
// branches into the default branch, keeping keepBranch. It returns the
// numbers it closed.
func (a *Applier) CloseSuperseded(ctx context.Context, repo hosting.Repository, keepBranch string) ([]int, error) {
	prs, err := a.remote.ListPullRequests(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, fmt.Errorf("sync: listing pull requests: %w", err)
	}

	var closed []int

	for _, pr := range prs {
		if pr.Head == keepBranch || pr.Base != repo.DefaultBranch || !strings.HasPrefix(pr.Head, a.prefix+"/") {
			continue
		}

		if err := a.remote.ClosePullRequest(ctx, repo.Owner, repo.Name, pr.Number); err != nil {
			return closed, fmt.Errorf("sync: closing superseded pull request #%d: %w", pr.Number, err)
		}

		a.logger.Info("closed superseded pull request",
			slog.String("target", repo.FullName()),
			slog.Int("number", pr.Number),
			slog.String("branch", pr.Head),
		)

		closed = append(closed, pr.Number)
	}

	return closed, nil
}

func commitMessage(p *Plan) string {
	return fmt.Sprintf("chore: sync repository templates %s\n\n%d file(s) added or updated, %d removed.",
		p.templateVersion, len(p.writes), len(p.deletes))
}

func pullRequestTitle(p *Plan) string {
	return "Sync repository templates " + p.templateVersion
}

func (a *Applier) pullRequestBody(p *Plan, runID string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Template set `%s` for category `%s`.\n\n", p.templateVersion, p.category)

	if len(p.writes) > 0 {
		b.WriteString("### Added or updated\n\n")

		for _, w := range p.writes {
			verb := "add"
			if w.Update {
				verb = "update"
			}

			fmt.Fprintf(&b, "- `%s` (%s)\n", w.Path, verb)
		}

		b.WriteString("\n")
	}

	if len(p.deletes) > 0 {
		fmt.Fprintf(&b, "### Removed (cleanup mode `%s`)\n\n", p.override.CleanupMode)

		for _, d := range p.deletes {
			fmt.Fprintf(&b, "- `%s`\n", d)
		}

		b.WriteString("\n")
	}

	if len(p.protected) > 0 {
		b.WriteString("### Left untouched (protected)\n\n")

		for _, d := range p.protected {
			fmt.Fprintf(&b, "- `%s`\n", d)
		}

		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Run `%s`.", runID)

	if a.overridePath != "" {
		fmt.Fprintf(&b, " Edit `%s` to exclude or protect files.", a.overridePath)
	}

	b.WriteString("\n")

	return b.String()
}
