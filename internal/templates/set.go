// Package templates loads the canonical template set: the versioned bundle of
// files that fleetsync propagates to target repositories, together with the
// category tags that decide which repositories receive each file.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file inside a template directory that maps template
// files to target paths and categories.
const ManifestName = "manifest.yaml"

// Entry is one canonical file. Content is shared and must be treated as
// read-only by every consumer.
type Entry struct {
	Path       string   // target path, normalized
	Content    []byte   // file body
	Hash       string   // git blob ID of Content
	Tags       []string // category names, or TagAll
	Executable bool     // committed with the executable file mode
}

// AppliesTo reports whether the entry is selected for the given category.
func (e Entry) AppliesTo(c Category) bool {
	for _, t := range e.Tags {
		if t == TagAll || t == string(c) {
			return true
		}
	}

	return false
}

// Set is an immutable canonical template set. Accessors return copies of
// internal slices so that concurrent workers can share one Set.
type Set struct {
	version  string
	patterns []string
	entries  []Entry
	byPath   map[string]int
}

// NewSet builds a Set from already-loaded entries. Paths are normalized,
// hashes are computed, and duplicate paths or unknown tags are rejected.
func NewSet(version string, managedPatterns []string, entries []Entry) (*Set, error) {
	s := &Set{
		version:  version,
		patterns: append([]string(nil), managedPatterns...),
		entries:  make([]Entry, 0, len(entries)),
		byPath:   make(map[string]int, len(entries)),
	}

	var errs []error

	for _, e := range entries {
		p, err := NormalizePath(e.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if _, dup := s.byPath[p]; dup {
			errs = append(errs, fmt.Errorf("templates: duplicate path %q", p))
			continue
		}

		if len(e.Tags) == 0 {
			errs = append(errs, fmt.Errorf("templates: %s: no categories", p))
			continue
		}

		tags, err := normalizeTags(e.Tags)
		if err != nil {
			errs = append(errs, fmt.Errorf("templates: %s: %w", p, err))
			continue
		}

		s.byPath[p] = -1
		s.entries = append(s.entries, Entry{
			Path:       p,
			Content:    e.Content,
			Hash:       BlobHash(e.Content),
			Tags:       tags,
			Executable: e.Executable,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Path < s.entries[j].Path })

	for i := range s.entries {
		s.byPath[s.entries[i].Path] = i
	}

	return s, nil
}

func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))

	for _, t := range tags {
		if t == TagAll {
			out = append(out, TagAll)
			continue
		}

		c, err := ParseCategory(t)
		if err != nil {
			return nil, err
		}

		out = append(out, string(c))
	}

	return out, nil
}

// Version returns the set's version label.
func (s *Set) Version() string {
	return s.version
}

// Len returns the number of entries.
func (s *Set) Len() int {
	return len(s.entries)
}

// Entries returns all entries sorted by path.
func (s *Set) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Lookup returns the entry at path, if any.
func (s *Set) Lookup(p string) (Entry, bool) {
	i, ok := s.byPath[p]
	if !ok {
		return Entry{}, false
	}

	return s.entries[i], true
}

// Select returns the entries that apply to category c, sorted by path.
// Entries tagged for other categories are never selected.
func (s *Set) Select(c Category) []Entry {
	var out []Entry

	for _, e := range s.entries {
		if e.AppliesTo(c) {
			out = append(out, e)
		}
	}

	return out
}

// ManagedDirs returns the directories the set writes into, sorted. Entries at
// the repository root do not make the root a managed directory.
func (s *Set) ManagedDirs() []string {
	seen := make(map[string]bool)

	var dirs []string

	for _, e := range s.entries {
		d := path.Dir(e.Path)
		if d == "." || seen[d] {
			continue
		}

		seen[d] = true
		dirs = append(dirs, d)
	}

	sort.Strings(dirs)

	return dirs
}

// Patterns returns the file-type patterns the engine is known to manage. An
// explicit manifest list wins; otherwise one pattern per distinct extension
// (or base name, for extensionless files) of the set's entries.
func (s *Set) Patterns() []string {
	if len(s.patterns) > 0 {
		return append([]string(nil), s.patterns...)
	}

	seen := make(map[string]bool)

	var out []string

	for _, e := range s.entries {
		pat := path.Base(e.Path)
		if ext := path.Ext(e.Path); ext != "" && ext != pat {
			pat = "*" + ext
		}

		if !seen[pat] {
			seen[pat] = true
			out = append(out, pat)
		}
	}

	sort.Strings(out)

	return out
}

type manifest struct {
	Version         string          `yaml:"version"`
	ManagedPatterns []string        `yaml:"managed_patterns"`
	Files           []manifestEntry `yaml:"files"`
}

type manifestEntry struct {
	Path       string   `yaml:"path"`
	Source     string   `yaml:"source"`
	Categories []string `yaml:"categories"`
	Executable bool     `yaml:"executable"`
}

// Load reads a template directory: ManifestName plus every source file it
// references. A manifest entry's source defaults to its target path.
func Load(dir string, logger *slog.Logger) (*Set, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("templates: reading manifest: %w", err)
	}

	var m manifest

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("templates: parsing %s: %w", ManifestName, err)
	}

	if m.Version == "" {
		return nil, fmt.Errorf("templates: %s: version is required", ManifestName)
	}

	entries := make([]Entry, 0, len(m.Files))

	for _, f := range m.Files {
		src := f.Source
		if src == "" {
			src = f.Path
		}

		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(src)))
		if err != nil {
			return nil, fmt.Errorf("templates: reading source for %s: %w", f.Path, err)
		}

		entries = append(entries, Entry{Path: f.Path, Content: content, Tags: f.Categories, Executable: f.Executable})
	}

	set, err := NewSet(m.Version, m.ManagedPatterns, entries)
	if err != nil {
		return nil, err
	}

	logger.Info("template set loaded",
		slog.String("dir", dir),
		slog.String("version", set.Version()),
		slog.Int("entries", set.Len()),
	)

	return set, nil
}
