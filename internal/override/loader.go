package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fleetsync/fleetsync/internal/hosting"
)

// FileReader reads one file from a repository at a ref. The hosting client
// satisfies it.
type FileReader interface {
	GetFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// ParseError reports a declaration that exists but cannot be used.
type ParseError struct {
	Repo string
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("override: %s: %s: %v", e.Repo, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Loader fetches and parses declarations. It never writes.
type Loader struct {
	reader FileReader
	path   string
	logger *slog.Logger
}

// NewLoader returns a Loader reading path (DefaultPath when empty).
func NewLoader(reader FileReader, path string, logger *slog.Logger) *Loader {
	if path == "" {
		path = DefaultPath
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{reader: reader, path: path, logger: logger}
}

// Path returns the repository path the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load returns the declaration for owner/repo at ref. A missing file yields
// Default with no error. A malformed file yields a *ParseError. Remote
// failures are returned unchanged for the caller to classify.
func (l *Loader) Load(ctx context.Context, owner, repo, ref string) (Declaration, error) {
	data, err := l.reader.GetFile(ctx, owner, repo, l.path, ref)
	if errors.Is(err, hosting.ErrNotFound) {
		l.logger.Debug("no override declaration, using defaults",
			slog.String("repo", owner+"/"+repo),
		)

		return Default(), nil
	}

	if err != nil {
		return Declaration{}, fmt.Errorf("override: reading %s from %s/%s: %w", l.path, owner, repo, err)
	}

	d, err := Parse(data)
	if err != nil {
		return Declaration{}, &ParseError{Repo: owner + "/" + repo, Path: l.path, Err: err}
	}

	l.logger.Debug("loaded override declaration",
		slog.String("repo", owner+"/"+repo),
		slog.Bool("enabled", d.Enabled),
		slog.String("cleanup_mode", string(d.CleanupMode)),
		slog.String("repository_type", string(d.RepositoryType)),
	)

	return d, nil
}
