package hosting

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GetTree returns the recursive blob listing of ref (branch, tag, or tree
// SHA). Results are cached for the batch.
func (c *Client) GetTree(ctx context.Context, owner, repo, ref string) (*Tree, error) {
	key := "tree\x00" + owner + "/" + repo + "\x00" + ref

	v, err := c.cache.get(key, func() (any, error) {
		return c.GetTreeUncached(ctx, owner, repo, ref)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Tree), nil
}

// GetTreeUncached is GetTree without the cache, for refs that change within
// a batch (the sync branch).
func (c *Client) GetTreeUncached(ctx context.Context, owner, repo, ref string) (*Tree, error) {
	var tr treeResponse

	apiPath := fmt.Sprintf("%s/git/trees/%s?recursive=1", repoPath(owner, repo), url.PathEscape(ref))
	if _, err := c.do(ctx, "get tree", http.MethodGet, apiPath, nil, &tr); err != nil {
		return nil, err
	}

	tree := &Tree{SHA: tr.SHA, Truncated: tr.Truncated}

	for _, e := range tr.Tree {
		if e.Type != "blob" {
			continue
		}

		tree.Entries = append(tree.Entries, TreeEntry{Path: e.Path, SHA: e.SHA, Mode: e.Mode})
	}

	return tree, nil
}

// GetFile returns the content of path at ref. Missing files return an error
// wrapping ErrNotFound; both outcomes are cached for the batch.
func (c *Client) GetFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	key := "file\x00" + owner + "/" + repo + "\x00" + ref + "\x00" + path

	v, err := c.cache.get(key, func() (any, error) {
		return c.getFile(ctx, owner, repo, path, ref)
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

func (c *Client) getFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var cr contentResponse

	apiPath := fmt.Sprintf("%s/contents/%s?ref=%s", repoPath(owner, repo), encodePathSegments(path), url.QueryEscape(ref))
	if _, err := c.do(ctx, "get file", http.MethodGet, apiPath, nil, &cr); err != nil {
		return nil, err
	}

	if cr.Type != "file" {
		return nil, fmt.Errorf("hosting: %s is a %s, not a file: %w", path, cr.Type, ErrNotFound)
	}

	if cr.Encoding != "base64" {
		return nil, fmt.Errorf("hosting: %s: unsupported content encoding %q", path, cr.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(cr.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("hosting: decoding %s: %w", path, err)
	}

	return data, nil
}
