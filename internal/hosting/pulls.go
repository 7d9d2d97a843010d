package hosting

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// FindPullRequest returns the open pull request whose head is branch, if any.
func (c *Client) FindPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, bool, error) {
	var prs []pullRequestResponse

	apiPath := fmt.Sprintf("%s/pulls?state=open&head=%s", repoPath(owner, repo), url.QueryEscape(owner+":"+branch))
	if _, err := c.do(ctx, "find pull request", http.MethodGet, apiPath, nil, &prs); err != nil {
		return nil, false, err
	}

	for i := range prs {
		if prs[i].Head.Ref == branch {
			pr := prs[i].toPullRequest()
			return &pr, true, nil
		}
	}

	return nil, false, nil
}

// ListPullRequests returns every open pull request.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	var out []PullRequest

	apiPath := fmt.Sprintf("%s/pulls?state=open&per_page=%d", repoPath(owner, repo), listPageSize)

	for apiPath != "" {
		var batch []pullRequestResponse

		header, err := c.do(ctx, "list pull requests", http.MethodGet, apiPath, nil, &batch)
		if err != nil {
			return nil, err
		}

		for i := range batch {
			out = append(out, batch[i].toPullRequest())
		}

		apiPath, err = c.nextPagePath(header)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// CreatePullRequest opens a pull request. A duplicate for the same head
// yields an error wrapping ErrAlreadyExists.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, in NewPullRequest) (*PullRequest, error) {
	c.logger.Info("opening pull request",
		slog.String("repo", owner+"/"+repo),
		slog.String("head", in.Head),
		slog.String("base", in.Base),
	)

	req := createPullRequest{Title: in.Title, Body: in.Body, Head: in.Head, Base: in.Base}

	var pr pullRequestResponse

	_, err := c.do(ctx, "create pull request", http.MethodPost, repoPath(owner, repo)+"/pulls", req, &pr)
	if isAlreadyExists(err) {
		return nil, fmt.Errorf("%w: pull request for %s: %w", ErrAlreadyExists, in.Head, err)
	}

	if err != nil {
		return nil, err
	}

	out := pr.toPullRequest()

	return &out, nil
}

// UpdatePullRequest replaces the title and body of an existing pull request.
func (c *Client) UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, body string) (*PullRequest, error) {
	var pr pullRequestResponse

	apiPath := repoPath(owner, repo) + "/pulls/" + strconv.Itoa(number)
	if _, err := c.do(ctx, "update pull request", http.MethodPatch, apiPath, updatePullRequest{Title: title, Body: body}, &pr); err != nil {
		return nil, err
	}

	out := pr.toPullRequest()

	return &out, nil
}

// ClosePullRequest closes a pull request without merging it.
func (c *Client) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	c.logger.Info("closing pull request",
		slog.String("repo", owner+"/"+repo),
		slog.Int("number", number),
	)

	apiPath := repoPath(owner, repo) + "/pulls/" + strconv.Itoa(number)
	_, err := c.do(ctx, "close pull request", http.MethodPatch, apiPath, updatePullRequest{State: "closed"}, nil)

	return err
}

// AddLabels adds labels to a pull request. Existing labels are kept, so the
// call is idempotent.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}

	apiPath := repoPath(owner, repo) + "/issues/" + strconv.Itoa(number) + "/labels"
	_, err := c.do(ctx, "add labels", http.MethodPost, apiPath, labelsRequest{Labels: labels}, nil)

	return err
}
