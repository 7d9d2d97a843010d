package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// listPageSize is the per_page value for collection requests (provider max).
const listPageSize = 100

// ListRepositories returns every repository owned by owner, including
// archived and disabled ones so callers can report them as skipped. owner
// may be an organization or a user.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]Repository, error) {
	c.logger.Info("listing repositories", slog.String("owner", owner))

	repos, err := c.listRepos(ctx, fmt.Sprintf("/orgs/%s/repos?type=all&per_page=%d", url.PathEscape(owner), listPageSize))
	if errors.Is(err, ErrNotFound) {
		repos, err = c.listRepos(ctx, fmt.Sprintf("/users/%s/repos?type=owner&per_page=%d", url.PathEscape(owner), listPageSize))
	}

	if err != nil {
		return nil, err
	}

	c.logger.Info("listed repositories",
		slog.String("owner", owner),
		slog.Int("total", len(repos)),
	)

	return repos, nil
}

func (c *Client) listRepos(ctx context.Context, apiPath string) ([]Repository, error) {
	var out []Repository

	for page := 1; apiPath != ""; page++ {
		var batch []repositoryResponse

		header, err := c.do(ctx, "list repositories", http.MethodGet, apiPath, nil, &batch)
		if err != nil {
			return nil, err
		}

		for i := range batch {
			out = append(out, batch[i].toRepository())
		}

		c.logger.Debug("fetched repositories page",
			slog.Int("page", page),
			slog.Int("count", len(batch)),
		)

		apiPath, err = c.nextPagePath(header)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// GetRepository fetches a single repository.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	var r repositoryResponse
	if _, err := c.do(ctx, "get repository", http.MethodGet, repoPath(owner, name), nil, &r); err != nil {
		return nil, err
	}

	repo := r.toRepository()

	return &repo, nil
}

// GetAuthenticatedUser returns the login the client's token belongs to.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (string, error) {
	var u struct {
		Login string `json:"login"`
	}

	if _, err := c.do(ctx, "get authenticated user", http.MethodGet, "/user", nil, &u); err != nil {
		return "", err
	}

	return u.Login, nil
}
