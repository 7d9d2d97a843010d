package sync

import (
	"log/slog"
	"slices"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/fleetsync/fleetsync/internal/override"
	"github.com/fleetsync/fleetsync/internal/templates"
)

// FileWrite is one planned add or update. Content is shared with the
// template set and must not be modified.
type FileWrite struct {
	Path       string
	Content    []byte
	Hash       string
	Update     bool // the path already exists in the target with other content
	Executable bool
}

// Plan is the computed file-level change set for one target. It is never
// mutated after BuildPlan returns; accessors return copies. A nil *Plan
// means "not computed"; a non-nil plan with Empty() true means "nothing to
// do".
type Plan struct {
	templateVersion string
	category        templates.Category
	override        override.Declaration
	writes          []FileWrite
	deletes         []string
	unchanged       []string
	protected       []string
}

// TemplateVersion is the canonical set version the plan was built from.
func (p *Plan) TemplateVersion() string { return p.templateVersion }

// Category is the resolved category whose canonical subset was selected.
func (p *Plan) Category() templates.Category { return p.category }

// Override returns the declaration the plan honored.
func (p *Plan) Override() override.Declaration {
	d := p.override
	d.ExcludeFiles = slices.Clone(d.ExcludeFiles)
	d.ProtectedFiles = slices.Clone(d.ProtectedFiles)
	d.ObsoleteFiles = slices.Clone(d.ObsoleteFiles)

	return d
}

// Writes returns the planned adds and updates, sorted by path.
func (p *Plan) Writes() []FileWrite { return slices.Clone(p.writes) }

// ToAddOrUpdate returns the paths of Writes.
func (p *Plan) ToAddOrUpdate() []string {
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = w.Path
	}

	return out
}

// ToDelete returns the paths to remove, sorted.
func (p *Plan) ToDelete() []string { return slices.Clone(p.deletes) }

// Unchanged returns selected canonical paths whose content already matches.
func (p *Plan) Unchanged() []string { return slices.Clone(p.unchanged) }

// Protected returns paths the plan would otherwise have written or deleted
// but left alone because the target protects them.
func (p *Plan) Protected() []string { return slices.Clone(p.protected) }

// Empty is the explicit "nothing to do" marker.
func (p *Plan) Empty() bool {
	return len(p.writes) == 0 && len(p.deletes) == 0
}

// PlanInput is everything BuildPlan needs for one target.
type PlanInput struct {
	Category templates.Category
	Override override.Declaration
	// Current maps every file in the target's default branch to its git
	// blob ID.
	Current map[string]string
}

// Planner is a pure decision engine: it turns a template set, an override,
// and a target's current listing into a Plan. It performs no I/O and is
// safe for concurrent use.
type Planner struct {
	set          *templates.Set
	overridePath string
	managedDirs  []string
	matcher      *ignore.GitIgnore
	logger       *slog.Logger
}

// NewPlanner prepares a planner for one template set. overridePath is the
// declaration file location, which is always treated as protected.
func NewPlanner(set *templates.Set, overridePath string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Planner{
		set:          set,
		overridePath: overridePath,
		managedDirs:  set.ManagedDirs(),
		matcher:      ignore.CompileIgnoreLines(set.Patterns()...),
		logger:       logger,
	}
}

// Plan computes the Plan for one target.
func (p *Planner) Plan(in PlanInput) *Plan {
	decl := in.Override

	protected := pathSet(decl.ProtectedFiles)
	if p.overridePath != "" {
		protected[p.overridePath] = true
	}

	excluded := pathSet(decl.ExcludeFiles)
	obsolete := pathSet(decl.ObsoleteFiles)

	plan := &Plan{
		templateVersion: p.set.Version(),
		category:        in.Category,
		override:        decl,
	}

	touchedProtected := make(map[string]bool)

	// Step 1 and 2: select, drop exclusions, compare hashes. An obsolete
	// declaration wins over canonical membership, so such paths are never
	// written.
	selected := make(map[string]bool)

	for _, e := range p.set.Select(in.Category) {
		if excluded[e.Path] || obsolete[e.Path] {
			continue
		}

		selected[e.Path] = true

		if protected[e.Path] {
			touchedProtected[e.Path] = true

			continue
		}

		current, exists := in.Current[e.Path]

		switch {
		case exists && current == e.Hash:
			plan.unchanged = append(plan.unchanged, e.Path)
		default:
			plan.writes = append(plan.writes, FileWrite{
				Path:       e.Path,
				Content:    e.Content,
				Hash:       e.Hash,
				Update:     exists,
				Executable: e.Executable,
			})
		}
	}

	deletes := make(map[string]bool)

	// Step 3: cleanup under managed directories.
	if decl.CleanupMode != override.CleanupNone {
		for path := range in.Current {
			if selected[path] || excluded[path] || !p.isManaged(path) {
				continue
			}

			if decl.CleanupMode == override.CleanupConservative && !p.matcher.MatchesPath(path) {
				continue
			}

			if protected[path] {
				touchedProtected[path] = true

				continue
			}

			deletes[path] = true
		}
	}

	// Step 4: explicit obsolete files that still exist.
	for path := range obsolete {
		if _, exists := in.Current[path]; !exists {
			continue
		}

		if protected[path] {
			touchedProtected[path] = true

			continue
		}

		deletes[path] = true
	}

	plan.deletes = sortedKeys(deletes)
	plan.protected = sortedKeys(touchedProtected)

	sort.Slice(plan.writes, func(i, j int) bool { return plan.writes[i].Path < plan.writes[j].Path })
	sort.Strings(plan.unchanged)

	p.logger.Debug("plan computed",
		slog.String("category", string(in.Category)),
		slog.String("cleanup_mode", string(decl.CleanupMode)),
		slog.Int("writes", len(plan.writes)),
		slog.Int("deletes", len(plan.deletes)),
		slog.Int("unchanged", len(plan.unchanged)),
		slog.Int("protected", len(plan.protected)),
	)

	return plan
}

// isManaged reports whether path lies under a directory the canonical set
// writes into.
func (p *Planner) isManaged(path string) bool {
	for _, dir := range p.managedDirs {
		if strings.HasPrefix(path, dir+"/") {
			return true
		}
	}

	return false
}

func pathSet(rules []override.FileRule) map[string]bool {
	out := make(map[string]bool, len(rules))
	for _, r := range rules {
		out[r.Path] = true
	}

	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
