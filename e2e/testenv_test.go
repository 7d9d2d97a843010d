//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetsync/fleetsync/testutil"
)

// configPath is the isolated config every runCLI call passes.
var configPath string

// templateVersion is the manifest version of the E2E template set.
const templateVersion = "e2e-1"

// setupIsolation points HOME and XDG at a temp root, writes a config and a
// small template set there, and verifies nothing can reach the
// developer's real state. The token comes from $FLEETSYNC_TOKEN.
func setupIsolation(root string) {
	if os.Getenv("FLEETSYNC_TOKEN") == "" {
		fmt.Fprintln(os.Stderr, "FATAL: FLEETSYNC_TOKEN not set")
		os.Exit(1)
	}

	os.Unsetenv("FLEETSYNC_CONFIG")
	os.Unsetenv("FLEETSYNC_OWNER")

	home := filepath.Join(root, "home")
	for _, v := range []struct{ env, dir string }{
		{"HOME", home},
		{"XDG_CONFIG_HOME", filepath.Join(root, "config")},
		{"XDG_DATA_HOME", filepath.Join(root, "data")},
		{"XDG_CACHE_HOME", filepath.Join(root, "cache")},
	} {
		if err := os.MkdirAll(v.dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating %s: %v\n", v.dir, err)
			os.Exit(1)
		}

		os.Setenv(v.env, v.dir)
	}

	templates := filepath.Join(root, "templates")
	testutil.WriteFiles(templates, map[string]string{
		"manifest.yaml": `version: ` + templateVersion + `
files:
  - path: .github/workflows/fleetsync-e2e.yml
    categories: [all]
  - path: .editorconfig
    categories: [all]
`,
		".github/workflows/fleetsync-e2e.yml": "name: fleetsync-e2e\non: workflow_dispatch\njobs: {}\n",
		".editorconfig":                       "root = true\n",
	})

	configPath = filepath.Join(root, "config.toml")
	testutil.WriteFiles(root, map[string]string{
		"config.toml": fmt.Sprintf(`[source]
templates_dir = %q

[targets]
owner = %q

[apply]
branch_prefix = "fleetsync-e2e"
labels = []

[engine]
workers = 2
state_dir = %q
`, templates, owner, filepath.Join(root, "state")),
	})

	verifyIsolation(root)

	fmt.Fprintf(os.Stderr, "E2E isolation: HOME=%s owner=%s\n", home, owner)
}

// verifyIsolation hard-crashes the process if a production path could
// leak into test execution.
func verifyIsolation(root string) {
	for _, v := range []string{"HOME", "XDG_DATA_HOME", "XDG_CONFIG_HOME", "XDG_CACHE_HOME"} {
		if val := os.Getenv(v); !strings.HasPrefix(val, root) {
			fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: %s not overridden to temp dir\n", v)
			os.Exit(1)
		}
	}

	if home, _ := os.UserHomeDir(); !strings.HasPrefix(home, root) {
		fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: os.UserHomeDir()=%s\n", home)
		os.Exit(1)
	}
}
