package templates

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPath is returned for repository paths that cannot be managed:
// empty, absolute after trimming, or escaping the repository root.
var ErrInvalidPath = errors.New("templates: invalid repository path")

// NormalizePath converts a user- or manifest-supplied path into the canonical
// form used for every comparison: NFC-normalized, slash-separated, cleaned,
// and relative to the repository root. Hosting providers return NFC paths,
// so manifests written on macOS (NFD) would otherwise never match.
func NormalizePath(p string) (string, error) {
	p = norm.NFC.String(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")

	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the repository root", ErrInvalidPath, p)
	}

	return cleaned, nil
}
