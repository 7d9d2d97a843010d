package hosting

// Repository is a target repository as listed by the provider.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Archived      bool
	Disabled      bool
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// TreeEntry is one blob in a recursive tree listing. SHA is the git blob ID,
// which is all the planner needs to compare content.
type TreeEntry struct {
	Path string
	SHA  string
	Mode string
}

// Tree is a recursive listing of a commit's files.
type Tree struct {
	SHA       string
	Entries   []TreeEntry
	Truncated bool
}

// Paths returns every blob path in the tree.
func (t *Tree) Paths() []string {
	out := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.Path
	}

	return out
}

// Hashes returns a path → blob SHA map.
func (t *Tree) Hashes() map[string]string {
	out := make(map[string]string, len(t.Entries))
	for _, e := range t.Entries {
		out[e.Path] = e.SHA
	}

	return out
}

// Commit is the subset of a git commit the applier needs.
type Commit struct {
	SHA     string
	TreeSHA string
}

// TreeChange is one file write or deletion in a new tree. A nil Content
// with Delete set removes the path. An empty Mode writes a regular file.
type TreeChange struct {
	Path    string
	Content []byte
	Mode    string
	Delete  bool
}

// PullRequest is an open or closed pull request.
type PullRequest struct {
	Number int
	URL    string
	State  string
	Title  string
	Head   string // head branch name
	Base   string // base branch name
}

// NewPullRequest is the input to CreatePullRequest.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// --- wire types (unexported) ---

type repositoryResponse struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Archived      bool   `json:"archived"`
	Disabled      bool   `json:"disabled"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r *repositoryResponse) toRepository() Repository {
	return Repository{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		Archived:      r.Archived,
		Disabled:      r.Disabled,
	}
}

type treeResponse struct {
	SHA       string `json:"sha"`
	Truncated bool   `json:"truncated"`
	Tree      []struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	} `json:"tree"`
}

type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type refResponse struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type createRefRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type updateRefRequest struct {
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

type commitResponse struct {
	SHA  string `json:"sha"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

type createTreeRequest struct {
	BaseTree string `json:"base_tree"`
	Tree     []any  `json:"tree"`
}

type treeWrite struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// treeBlob references a blob uploaded through CreateBlob.
type treeBlob struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

type createBlobRequest struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// treeDelete must serialize sha as an explicit null.
type treeDelete struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

type createCommitRequest struct {
	Message string   `json:"message"`
	Tree    string   `json:"tree"`
	Parents []string `json:"parents"`
}

type shaResponse struct {
	SHA string `json:"sha"`
}

type pullRequestResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p *pullRequestResponse) toPullRequest() PullRequest {
	return PullRequest{
		Number: p.Number,
		URL:    p.HTMLURL,
		State:  p.State,
		Title:  p.Title,
		Head:   p.Head.Ref,
		Base:   p.Base.Ref,
	}
}

type createPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type updatePullRequest struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	State string `json:"state,omitempty"`
}

type labelsRequest struct {
	Labels []string `json:"labels"`
}
