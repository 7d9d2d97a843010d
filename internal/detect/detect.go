// Package detect classifies a repository into a template category from its
// file listing alone. Classification is a pure function: the same listing
// always yields the same result.
package detect

import (
	"path"
	"sort"
	"strings"

	"github.com/fleetsync/fleetsync/internal/templates"
)

// Rule names which heuristic produced a Result.
type Rule string

// Rules, in evaluation order.
const (
	RuleManifest  Rule = "manifest"
	RuleLayout    Rule = "layout"
	RuleExtension Rule = "extension"
	RuleDefault   Rule = "default"
)

// Result is the outcome of classification.
type Result struct {
	Category templates.Category
	Rule     Rule
	// Evidence is the file, directory, or extension that decided the result.
	Evidence string
	// Ambiguous is set when extension counts tied and the result fell back
	// to the generic category.
	Ambiguous bool
}

// manifestRule maps root-level manifest files to a category. Earlier rules
// win when several manifests are present.
type manifestRule struct {
	files    []string
	category templates.Category
}

var manifestRules = []manifestRule{
	{files: []string{"go.mod"}, category: templates.CategoryGo},
	{files: []string{"package.json"}, category: templates.CategoryNode},
	{files: []string{"pyproject.toml", "setup.py", "requirements.txt"}, category: templates.CategoryPython},
	{files: []string{"Cargo.toml"}, category: templates.CategoryRust},
	{files: []string{"pom.xml", "build.gradle", "build.gradle.kts"}, category: templates.CategoryJava},
	{files: []string{".terraform.lock.hcl"}, category: templates.CategoryTerraform},
	{files: []string{"Dockerfile"}, category: templates.CategoryDocker},
}

// extensions maps source file extensions to a category for the majority
// vote.
var extensions = map[string]templates.Category{
	".go":   templates.CategoryGo,
	".js":   templates.CategoryNode,
	".mjs":  templates.CategoryNode,
	".cjs":  templates.CategoryNode,
	".jsx":  templates.CategoryNode,
	".ts":   templates.CategoryNode,
	".tsx":  templates.CategoryNode,
	".py":   templates.CategoryPython,
	".rs":   templates.CategoryRust,
	".java": templates.CategoryJava,
	".kt":   templates.CategoryJava,
	".tf":   templates.CategoryTerraform,
}

// terraformDirs are top-level directories whose .tf files mark a
// Terraform layout.
var terraformDirs = []string{"terraform/", "modules/", "infra/"}

// Detect classifies a repository from its blob paths. Paths are
// slash-separated and relative to the repository root.
func Detect(paths []string) Result {
	root := make(map[string]bool)

	for _, p := range paths {
		if !strings.Contains(p, "/") {
			root[p] = true
		}
	}

	for _, rule := range manifestRules {
		for _, f := range rule.files {
			if root[f] {
				return Result{Category: rule.category, Rule: RuleManifest, Evidence: f}
			}
		}
	}

	if r, ok := detectLayout(paths); ok {
		return r
	}

	return detectByExtension(paths)
}

func detectLayout(paths []string) (Result, bool) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		if strings.HasPrefix(p, "src/main/java/") {
			return Result{Category: templates.CategoryJava, Rule: RuleLayout, Evidence: "src/main/java/"}, true
		}
	}

	for _, p := range sorted {
		if path.Ext(p) != ".tf" {
			continue
		}

		for _, dir := range terraformDirs {
			if strings.HasPrefix(p, dir) {
				return Result{Category: templates.CategoryTerraform, Rule: RuleLayout, Evidence: dir}, true
			}
		}
	}

	return Result{}, false
}

func detectByExtension(paths []string) Result {
	counts := make(map[templates.Category]int)
	evidence := make(map[templates.Category]string)

	for _, p := range paths {
		ext := strings.ToLower(path.Ext(p))

		c, ok := extensions[ext]
		if !ok {
			continue
		}

		counts[c]++

		if evidence[c] == "" || ext < evidence[c] {
			evidence[c] = ext
		}
	}

	if len(counts) == 0 {
		return Result{Category: templates.CategoryGeneric, Rule: RuleDefault}
	}

	var (
		best templates.Category
		top  int
		ties int
	)

	for _, c := range templates.Categories() {
		n := counts[c]

		switch {
		case n > top:
			best, top, ties = c, n, 1
		case n == top && n > 0:
			ties++
		}
	}

	if ties > 1 {
		return Result{Category: templates.CategoryGeneric, Rule: RuleExtension, Ambiguous: true}
	}

	return Result{Category: best, Rule: RuleExtension, Evidence: evidence[best]}
}
