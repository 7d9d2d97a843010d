package templates

import (
	"fmt"
	"strings"
)

// Category classifies a target repository. It selects which subset of the
// canonical set applies to that repository.
type Category string

// Project categories, in no particular order. CategoryGeneric is the fallback
// when nothing more specific can be determined.
const (
	CategoryGeneric   Category = "generic"
	CategoryGo        Category = "go"
	CategoryNode      Category = "node"
	CategoryPython    Category = "python"
	CategoryRust      Category = "rust"
	CategoryJava      Category = "java"
	CategoryTerraform Category = "terraform"
	CategoryDocker    Category = "docker"
)

// TagAll marks a canonical entry that applies to every category.
const TagAll = "all"

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryGeneric,
		CategoryGo,
		CategoryNode,
		CategoryPython,
		CategoryRust,
		CategoryJava,
		CategoryTerraform,
		CategoryDocker,
	}
}

// ParseCategory converts a declared category name into a Category.
// Matching is case-insensitive.
func ParseCategory(s string) (Category, error) {
	want := Category(strings.ToLower(strings.TrimSpace(s)))

	for _, c := range Categories() {
		if c == want {
			return c, nil
		}
	}

	return "", fmt.Errorf("templates: unknown category %q", s)
}

func (c Category) String() string {
	return string(c)
}
