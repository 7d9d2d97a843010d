package hosting

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"
)

// Git file modes.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"

	typeBlob = "blob"
)

// GetRef returns the commit SHA a branch points at.
func (c *Client) GetRef(ctx context.Context, owner, repo, branch string) (string, error) {
	var r refResponse

	apiPath := fmt.Sprintf("%s/git/ref/heads/%s", repoPath(owner, repo), encodePathSegments(branch))
	if _, err := c.do(ctx, "get ref", http.MethodGet, apiPath, nil, &r); err != nil {
		return "", err
	}

	return r.Object.SHA, nil
}

// CreateRef creates branch at sha. An existing branch yields an error
// wrapping ErrAlreadyExists.
func (c *Client) CreateRef(ctx context.Context, owner, repo, branch, sha string) error {
	c.logger.Info("creating branch",
		slog.String("repo", owner+"/"+repo),
		slog.String("branch", branch),
		slog.String("sha", sha),
	)

	req := createRefRequest{Ref: "refs/heads/" + branch, SHA: sha}

	_, err := c.do(ctx, "create ref", http.MethodPost, repoPath(owner, repo)+"/git/refs", req, nil)
	if isAlreadyExists(err) {
		return fmt.Errorf("%w: branch %s: %w", ErrAlreadyExists, branch, err)
	}

	return err
}

// UpdateRef fast-forwards branch to sha. Force updates are never issued.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, branch, sha string) error {
	apiPath := fmt.Sprintf("%s/git/refs/heads/%s", repoPath(owner, repo), encodePathSegments(branch))
	_, err := c.do(ctx, "update ref", http.MethodPatch, apiPath, updateRefRequest{SHA: sha, Force: false}, nil)

	return err
}

// GetCommit returns a commit and its root tree SHA.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (*Commit, error) {
	var cr commitResponse
	if _, err := c.do(ctx, "get commit", http.MethodGet, repoPath(owner, repo)+"/git/commits/"+sha, nil, &cr); err != nil {
		return nil, err
	}

	return &Commit{SHA: cr.SHA, TreeSHA: cr.Tree.SHA}, nil
}

// CreateBlob uploads content as a base64 blob and returns its SHA.
func (c *Client) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	req := createBlobRequest{Content: base64.StdEncoding.EncodeToString(content), Encoding: "base64"}

	var out shaResponse
	if _, err := c.do(ctx, "create blob", http.MethodPost, repoPath(owner, repo)+"/git/blobs", req, &out); err != nil {
		return "", err
	}

	return out.SHA, nil
}

// CreateTree creates a tree from baseTree with changes applied and returns
// its SHA. UTF-8 content is sent inline. Anything else is uploaded with
// CreateBlob first, since a JSON string cannot carry arbitrary bytes.
func (c *Client) CreateTree(ctx context.Context, owner, repo, baseTree string, changes []TreeChange) (string, error) {
	req := createTreeRequest{BaseTree: baseTree, Tree: make([]any, 0, len(changes))}

	for _, ch := range changes {
		mode := ch.Mode
		if mode == "" {
			mode = ModeFile
		}

		if ch.Delete {
			req.Tree = append(req.Tree, treeDelete{Path: ch.Path, Mode: mode, Type: typeBlob, SHA: nil})
			continue
		}

		if utf8.Valid(ch.Content) {
			req.Tree = append(req.Tree, treeWrite{Path: ch.Path, Mode: mode, Type: typeBlob, Content: string(ch.Content)})
			continue
		}

		blob, err := c.CreateBlob(ctx, owner, repo, ch.Content)
		if err != nil {
			return "", fmt.Errorf("uploading %s: %w", ch.Path, err)
		}

		req.Tree = append(req.Tree, treeBlob{Path: ch.Path, Mode: mode, Type: typeBlob, SHA: blob})
	}

	var out shaResponse
	if _, err := c.do(ctx, "create tree", http.MethodPost, repoPath(owner, repo)+"/git/trees", req, &out); err != nil {
		return "", err
	}

	return out.SHA, nil
}

// CreateCommit creates a commit object and returns its SHA. It does not move
// any branch.
func (c *Client) CreateCommit(ctx context.Context, owner, repo, message, tree string, parents []string) (string, error) {
	req := createCommitRequest{Message: message, Tree: tree, Parents: parents}

	var out shaResponse
	if _, err := c.do(ctx, "create commit", http.MethodPost, repoPath(owner, repo)+"/git/commits", req, &out); err != nil {
		return "", err
	}

	return out.SHA, nil
}
