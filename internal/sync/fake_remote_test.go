package sync

import (
	"context"
	"fmt"
	"maps"
	"sort"
	gosync "sync"

	"github.com/fleetsync/fleetsync/internal/hosting"
	"github.com/fleetsync/fleetsync/internal/templates"
)

// fakeRepo is an in-memory git repository: refs point at commits, commits
// point at trees, trees are path → content maps. modes holds non-default
// file modes per tree.
type fakeRepo struct {
	meta    hosting.Repository
	refs    map[string]string
	commits map[string]string
	trees   map[string]map[string][]byte
	modes   map[string]map[string]string
	prs     []hosting.PullRequest
	labels  map[int][]string
}

// fakeRemote implements Remote over fakeRepos. fail, when set, is consulted
// before every operation and may inject an error.
type fakeRemote struct {
	mu    gosync.Mutex
	repos map[string]*fakeRepo
	seq   int
	burst int
	calls map[string]int

	fail func(op, repo string) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		repos: make(map[string]*fakeRepo),
		calls: make(map[string]int),
	}
}

// addRepo creates owner/name with one commit on main holding files.
func (f *fakeRemote) addRepo(owner, name string, files map[string]string) *fakeRepo {
	f.mu.Lock()
	defer f.mu.Unlock()

	tree := make(map[string][]byte, len(files))
	for p, c := range files {
		tree[p] = []byte(c)
	}

	treeSHA := f.nextID("tree")
	commitSHA := f.nextID("commit")

	r := &fakeRepo{
		meta:    hosting.Repository{Owner: owner, Name: name, DefaultBranch: "main"},
		refs:    map[string]string{"main": commitSHA},
		commits: map[string]string{commitSHA: treeSHA},
		trees:   map[string]map[string][]byte{treeSHA: tree},
		modes:   map[string]map[string]string{treeSHA: {}},
		labels:  make(map[int][]string),
	}

	f.repos[owner+"/"+name] = r

	return r
}

func (f *fakeRemote) nextID(kind string) string {
	f.seq++

	return fmt.Sprintf("%s-%04d", kind, f.seq)
}

// enter records a call and returns the injected failure, if any. It must be
// called without f.mu held.
func (f *fakeRemote) enter(op, owner, repo string) error {
	f.mu.Lock()
	f.calls[op]++
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		return fail(op, owner+"/"+repo)
	}

	return nil
}

func (f *fakeRemote) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *fakeRemote) repo(owner, name string) (*fakeRepo, error) {
	r, ok := f.repos[owner+"/"+name]
	if !ok {
		return nil, fmt.Errorf("repository %s/%s: %w", owner, name, hosting.ErrNotFound)
	}

	return r, nil
}

// files returns the content of owner/name at ref (branch or commit).
func (f *fakeRemote) files(owner, name, ref string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, name)
	if err != nil {
		return nil
	}

	tree, err := r.resolve(ref)
	if err != nil {
		return nil
	}

	out := make(map[string]string, len(tree))
	for p, c := range tree {
		out[p] = string(c)
	}

	return out
}

// setMode changes the mode of path on owner/name's main branch in place.
func (f *fakeRemote) setMode(owner, name, path, mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.repos[owner+"/"+name]
	r.modes[r.commits[r.refs["main"]]][path] = mode
}

// mode returns the file mode of path at ref.
func (f *fakeRemote) mode(owner, name, ref, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.repos[owner+"/"+name]

	commit, ok := r.refs[ref]
	if !ok {
		commit = ref
	}

	return r.modeOf(r.commits[commit], path)
}

func (r *fakeRepo) modeOf(treeSHA, path string) string {
	if m, ok := r.modes[treeSHA][path]; ok {
		return m
	}

	return hosting.ModeFile
}

func (f *fakeRemote) pulls(owner, name string) []hosting.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, name)
	if err != nil {
		return nil
	}

	return append([]hosting.PullRequest(nil), r.prs...)
}

func (r *fakeRepo) resolve(ref string) (map[string][]byte, error) {
	commit, ok := r.refs[ref]
	if !ok {
		commit = ref
	}

	treeSHA, ok := r.commits[commit]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, hosting.ErrNotFound)
	}

	return r.trees[treeSHA], nil
}

func (f *fakeRemote) ListRepositories(ctx context.Context, owner string) ([]hosting.Repository, error) {
	if err := f.enter("ListRepositories", owner, ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []hosting.Repository

	for _, r := range f.repos {
		if r.meta.Owner == owner {
			out = append(out, r.meta)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (f *fakeRemote) GetRepository(ctx context.Context, owner, name string) (*hosting.Repository, error) {
	if err := f.enter("GetRepository", owner, name); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, name)
	if err != nil {
		return nil, err
	}

	meta := r.meta

	return &meta, nil
}

func (f *fakeRemote) GetTree(ctx context.Context, owner, repo, ref string) (*hosting.Tree, error) {
	if err := f.enter("GetTree", owner, repo); err != nil {
		return nil, err
	}

	return f.tree(owner, repo, ref)
}

func (f *fakeRemote) GetTreeUncached(ctx context.Context, owner, repo, ref string) (*hosting.Tree, error) {
	if err := f.enter("GetTreeUncached", owner, repo); err != nil {
		return nil, err
	}

	return f.tree(owner, repo, ref)
}

func (f *fakeRemote) tree(owner, repo, ref string) (*hosting.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	files, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}

	commit, ok := r.refs[ref]
	if !ok {
		commit = ref
	}

	t := &hosting.Tree{SHA: ref}

	for _, p := range sortedPaths(files) {
		t.Entries = append(t.Entries, hosting.TreeEntry{
			Path: p,
			SHA:  templates.BlobHash(files[p]),
			Mode: r.modeOf(r.commits[commit], p),
		})
	}

	return t, nil
}

func sortedPaths(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}

	sort.Strings(out)

	return out
}

func (f *fakeRemote) GetFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	if err := f.enter("GetFile", owner, repo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	files, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}

	c, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", path, hosting.ErrNotFound)
	}

	return c, nil
}

func (f *fakeRemote) GetRef(ctx context.Context, owner, repo, branch string) (string, error) {
	if err := f.enter("GetRef", owner, repo); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return "", err
	}

	sha, ok := r.refs[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, hosting.ErrNotFound)
	}

	return sha, nil
}

func (f *fakeRemote) CreateRef(ctx context.Context, owner, repo, branch, sha string) error {
	if err := f.enter("CreateRef", owner, repo); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return err
	}

	if _, ok := r.refs[branch]; ok {
		return fmt.Errorf("branch %s: %w", branch, hosting.ErrAlreadyExists)
	}

	r.refs[branch] = sha

	return nil
}

func (f *fakeRemote) UpdateRef(ctx context.Context, owner, repo, branch, sha string) error {
	if err := f.enter("UpdateRef", owner, repo); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return err
	}

	r.refs[branch] = sha

	return nil
}

func (f *fakeRemote) GetCommit(ctx context.Context, owner, repo, sha string) (*hosting.Commit, error) {
	if err := f.enter("GetCommit", owner, repo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	tree, ok := r.commits[sha]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", sha, hosting.ErrNotFound)
	}

	return &hosting.Commit{SHA: sha, TreeSHA: tree}, nil
}

func (f *fakeRemote) CreateTree(
	ctx context.Context, owner, repo, baseTree string, changes []hosting.TreeChange,
) (string, error) {
	if err := f.enter("CreateTree", owner, repo); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return "", err
	}

	files := maps.Clone(r.trees[baseTree])
	if files == nil {
		files = make(map[string][]byte)
	}

	modes := maps.Clone(r.modes[baseTree])
	if modes == nil {
		modes = make(map[string]string)
	}

	for _, c := range changes {
		if c.Delete {
			delete(files, c.Path)
			delete(modes, c.Path)

			continue
		}

		files[c.Path] = c.Content

		if c.Mode == "" || c.Mode == hosting.ModeFile {
			delete(modes, c.Path)
		} else {
			modes[c.Path] = c.Mode
		}
	}

	sha := f.nextID("tree")
	r.trees[sha] = files
	r.modes[sha] = modes

	return sha, nil
}

func (f *fakeRemote) CreateCommit(
	ctx context.Context, owner, repo, message, tree string, parents []string,
) (string, error) {
	if err := f.enter("CreateCommit", owner, repo); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return "", err
	}

	sha := f.nextID("commit")
	r.commits[sha] = tree

	return sha, nil
}

func (f *fakeRemote) FindPullRequest(ctx context.Context, owner, repo, branch string) (*hosting.PullRequest, bool, error) {
	if err := f.enter("FindPullRequest", owner, repo); err != nil {
		return nil, false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, false, err
	}

	for _, pr := range r.prs {
		if pr.Head == branch && pr.State == "open" {
			found := pr

			return &found, true, nil
		}
	}

	return nil, false, nil
}

func (f *fakeRemote) ListPullRequests(ctx context.Context, owner, repo string) ([]hosting.PullRequest, error) {
	if err := f.enter("ListPullRequests", owner, repo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	var out []hosting.PullRequest

	for _, pr := range r.prs {
		if pr.State == "open" {
			out = append(out, pr)
		}
	}

	return out, nil
}

func (f *fakeRemote) CreatePullRequest(
	ctx context.Context, owner, repo string, in hosting.NewPullRequest,
) (*hosting.PullRequest, error) {
	if err := f.enter("CreatePullRequest", owner, repo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	for _, pr := range r.prs {
		if pr.Head == in.Head && pr.State == "open" {
			return nil, fmt.Errorf("pull request for %s: %w", in.Head, hosting.ErrAlreadyExists)
		}
	}

	n := len(r.prs) + 1
	pr := hosting.PullRequest{
		Number: n,
		URL:    fmt.Sprintf("https://git.example/%s/%s/pull/%d", owner, repo, n),
		State:  "open",
		Title:  in.Title,
		Head:   in.Head,
		Base:   in.Base,
	}
	r.prs = append(r.prs, pr)

	return &pr, nil
}

func (f *fakeRemote) UpdatePullRequest(
	ctx context.Context, owner, repo string, number int, title, body string,
) (*hosting.PullRequest, error) {
	if err := f.enter("UpdatePullRequest", owner, repo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return nil, err
	}

	for i := range r.prs {
		if r.prs[i].Number == number {
			r.prs[i].Title = title
			pr := r.prs[i]

			return &pr, nil
		}
	}

	return nil, fmt.Errorf("pull request #%d: %w", number, hosting.ErrNotFound)
}

func (f *fakeRemote) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	if err := f.enter("ClosePullRequest", owner, repo); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return err
	}

	for i := range r.prs {
		if r.prs[i].Number == number {
			r.prs[i].State = "closed"

			return nil
		}
	}

	return fmt.Errorf("pull request #%d: %w", number, hosting.ErrNotFound)
}

func (f *fakeRemote) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if err := f.enter("AddLabels", owner, repo); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.repo(owner, repo)
	if err != nil {
		return err
	}

	r.labels[number] = append(r.labels[number], labels...)

	return nil
}

func (f *fakeRemote) ResetCache() {}

func (f *fakeRemote) Burst() int {
	return f.burst
}
