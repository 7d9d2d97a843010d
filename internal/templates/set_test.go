package templates

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBlobHash_MatchesGit(t *testing.T) {
	t.Parallel()

	// Values from `git hash-object`.
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", BlobHash(nil))
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", BlobHash([]byte("hello\n")))
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "workflows/build.yml", want: "workflows/build.yml"},
		{in: "/workflows//build.yml", want: "workflows/build.yml"},
		{in: "a/./b/../c.sh", want: "a/c.sh"},
		{in: `dir\file.yml`, want: "dir/file.yml"},
		{in: "café.md", want: "café.md"},
		{in: "", wantErr: true},
		{in: "../outside", wantErr: true},
		{in: "/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPath)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSet_SelectByCategory(t *testing.T) {
	t.Parallel()

	set, err := NewSet("v1", nil, []Entry{
		{Path: "workflows/terraform.yml", Content: []byte("tf"), Tags: []string{"terraform"}},
		{Path: "workflows/build.yml", Content: []byte("build"), Tags: []string{TagAll}},
	})
	require.NoError(t, err)

	generic := set.Select(CategoryGeneric)
	require.Len(t, generic, 1)
	assert.Equal(t, "workflows/build.yml", generic[0].Path)

	tf := set.Select(CategoryTerraform)
	require.Len(t, tf, 2)
	assert.Equal(t, "workflows/build.yml", tf[0].Path, "entries are sorted by path")

	e, ok := set.Lookup("workflows/build.yml")
	require.True(t, ok)
	assert.Equal(t, BlobHash([]byte("build")), e.Hash)
}

func TestNewSet_Rejects(t *testing.T) {
	t.Parallel()

	_, err := NewSet("v1", nil, []Entry{
		{Path: "a.yml", Tags: []string{TagAll}},
		{Path: "/a.yml", Tags: []string{TagAll}},
		{Path: "b.yml", Tags: []string{"cobol"}},
		{Path: "c.yml"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate path")
	assert.Contains(t, err.Error(), "unknown category")
	assert.Contains(t, err.Error(), "no categories")
}

func TestSet_ManagedDirsAndPatterns(t *testing.T) {
	t.Parallel()

	set, err := NewSet("v1", nil, []Entry{
		{Path: ".github/workflows/ci.yml", Tags: []string{TagAll}},
		{Path: "scripts/check.sh", Tags: []string{TagAll}},
		{Path: ".editorconfig", Tags: []string{TagAll}},
		{Path: "scripts/Makefile", Tags: []string{TagAll}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{".github/workflows", "scripts"}, set.ManagedDirs())
	assert.Equal(t, []string{"*.sh", "*.yml", ".editorconfig", "Makefile"}, set.Patterns())

	explicit, err := NewSet("v1", []string{"*.yaml"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.yaml"}, explicit.Patterns())
}

func TestLoad_FromDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestName, `version: "2024.10"
managed_patterns: ["*.yml"]
files:
  - path: .github/workflows/build.yml
    source: workflows/build.yml
    categories: [all]
  - path: .github/workflows/terraform.yml
    categories: [terraform]
  - path: scripts/validate.sh
    categories: [all]
    executable: true
`)
	writeFile(t, dir, "workflows/build.yml", "name: build\n")
	writeFile(t, dir, ".github/workflows/terraform.yml", "name: tf\n")
	writeFile(t, dir, "scripts/validate.sh", "#!/bin/sh\n")

	set, err := Load(dir, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "2024.10", set.Version())
	assert.Equal(t, 3, set.Len())

	e, ok := set.Lookup(".github/workflows/build.yml")
	require.True(t, ok)
	assert.Equal(t, "name: build\n", string(e.Content))
	assert.False(t, e.Executable)

	script, ok := set.Lookup("scripts/validate.sh")
	require.True(t, ok)
	assert.True(t, script.Executable)
}

func TestLoad_UnknownManifestKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestName, "version: v1\nfilez: []\n")

	_, err := Load(dir, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filez")
}

func TestLoad_MissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestName, "version: v1\nfiles:\n  - path: a.yml\n    categories: [all]\n")

	_, err := Load(dir, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.yml")
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	c, err := ParseCategory(" Terraform ")
	require.NoError(t, err)
	assert.Equal(t, CategoryTerraform, c)

	_, err = ParseCategory("all")
	assert.Error(t, err, "the all tag is not a category")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}
