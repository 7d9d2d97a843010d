// Package override loads the optional per-repository declaration that
// narrows or disables template synchronization for one target.
package override

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetsync/fleetsync/internal/templates"
)

// DefaultPath is the well-known location of the declaration in a target's
// default branch.
const DefaultPath = ".github/template-sync.yml"

// CleanupMode governs removal of target files that are no longer part of
// the canonical set.
type CleanupMode string

// Cleanup modes.
const (
	CleanupNone         CleanupMode = "none"
	CleanupConservative CleanupMode = "conservative"
	CleanupAggressive   CleanupMode = "aggressive"
)

// FileRule is a path with the reason it was listed.
type FileRule struct {
	Path   string `yaml:"path" validate:"required"`
	Reason string `yaml:"reason"`
}

// Declaration is the strongly typed override for one target. The zero
// value is not valid; use Default or Parse.
type Declaration struct {
	Enabled bool
	// RepositoryType pins the category. Empty means detect.
	RepositoryType templates.Category
	CleanupMode    CleanupMode
	ExcludeFiles   []FileRule
	ProtectedFiles []FileRule
	ObsoleteFiles  []FileRule

	// Declared is true when the declaration was read from the target rather
	// than defaulted.
	Declared bool
}

// Default returns the declaration used when a target has none.
func Default() Declaration {
	return Declaration{
		Enabled:     true,
		CleanupMode: CleanupConservative,
	}
}

// Protects reports whether p is listed in protected_files.
func (d Declaration) Protects(p string) bool {
	return containsPath(d.ProtectedFiles, p)
}

// Excludes reports whether p is listed in exclude_files.
func (d Declaration) Excludes(p string) bool {
	return containsPath(d.ExcludeFiles, p)
}

func containsPath(rules []FileRule, p string) bool {
	for _, r := range rules {
		if r.Path == p {
			return true
		}
	}

	return false
}

// document is the on-disk shape. Enabled is a pointer so that an absent key
// keeps the default.
type document struct {
	Enabled        *bool      `yaml:"enabled"`
	RepositoryType string     `yaml:"repository_type" validate:"omitempty,category"`
	CleanupMode    string     `yaml:"cleanup_mode" validate:"omitempty,oneof=none conservative aggressive"`
	ExcludeFiles   []FileRule `yaml:"exclude_files" validate:"dive"`
	ProtectedFiles []FileRule `yaml:"protected_files" validate:"dive"`
	ObsoleteFiles  []FileRule `yaml:"obsolete_files" validate:"dive"`
}

// docValidate is shared; validator.Validate caches struct metadata and is
// safe for concurrent use.
var docValidate *validator.Validate

func init() {
	docValidate = validator.New()

	if err := docValidate.RegisterValidation("category", validCategory); err != nil {
		panic(fmt.Sprintf("override: registering category validation: %v", err))
	}
}

func validCategory(fl validator.FieldLevel) bool {
	_, err := templates.ParseCategory(fl.Field().String())
	return err == nil
}

// Parse decodes and validates a declaration document. Unknown keys are
// rejected. An empty document yields Default.
func Parse(data []byte) (Declaration, error) {
	var doc document

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Declaration{}, fmt.Errorf("decoding yaml: %w", err)
	}

	if err := docValidate.Struct(&doc); err != nil {
		return Declaration{}, describeValidation(err)
	}

	d := Default()
	d.Declared = true

	if doc.Enabled != nil {
		d.Enabled = *doc.Enabled
	}

	if doc.RepositoryType != "" {
		c, err := templates.ParseCategory(doc.RepositoryType)
		if err != nil {
			return Declaration{}, err
		}

		d.RepositoryType = c
	}

	if doc.CleanupMode != "" {
		d.CleanupMode = CleanupMode(doc.CleanupMode)
	}

	var err error

	if d.ExcludeFiles, err = normalizeRules("exclude_files", doc.ExcludeFiles); err != nil {
		return Declaration{}, err
	}

	if d.ProtectedFiles, err = normalizeRules("protected_files", doc.ProtectedFiles); err != nil {
		return Declaration{}, err
	}

	if d.ObsoleteFiles, err = normalizeRules("obsolete_files", doc.ObsoleteFiles); err != nil {
		return Declaration{}, err
	}

	return d, nil
}

// normalizeRules cleans every path and collapses duplicates, keeping the
// first reason given.
func normalizeRules(field string, rules []FileRule) ([]FileRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	out := make([]FileRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))

	for i, r := range rules {
		p, err := templates.NormalizePath(r.Path)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}

		if seen[p] {
			continue
		}

		seen[p] = true
		out = append(out, FileRule{Path: p, Reason: strings.TrimSpace(r.Reason)})
	}

	return out, nil
}

// describeValidation turns validator output into one readable error per
// failing field.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	errs := make([]error, 0, len(verrs))

	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s: required", fieldName(fe)))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s: %q must be one of [%s]", fieldName(fe), fe.Value(), fe.Param()))
		case "category":
			errs = append(errs, fmt.Errorf("%s: unknown repository type %q", fieldName(fe), fe.Value()))
		default:
			errs = append(errs, fmt.Errorf("%s: failed %q check", fieldName(fe), fe.Tag()))
		}
	}

	return errors.Join(errs...)
}

// fieldName maps validator's Go namespace (document.ExcludeFiles[0].Path)
// to the document's key names (exclude_files[0].path).
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}

	replacer := strings.NewReplacer(
		"RepositoryType", "repository_type",
		"CleanupMode", "cleanup_mode",
		"ExcludeFiles", "exclude_files",
		"ProtectedFiles", "protected_files",
		"ObsoleteFiles", "obsolete_files",
		"Path", "path",
	)

	return replacer.Replace(ns)
}
