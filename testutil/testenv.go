// Package testutil provides shared environment helpers for the E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowedOwnersEnv lists the owners E2E tests may touch, comma-separated.
const AllowedOwnersEnv = "FLEETSYNC_ALLOWED_TEST_OWNERS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist crashes the process unless the owner named by
// ownerEnvVar appears in AllowedOwnersEnv. E2E runs open real pull
// requests, so a typo must never point them at a production owner.
func ValidateAllowlist(ownerEnvVar string) string {
	allowlist := os.Getenv(AllowedOwnersEnv)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", AllowedOwnersEnv)
		fmt.Fprintf(os.Stderr, "Example: %s=fleetsync-sandbox\n", AllowedOwnersEnv)
		os.Exit(1)
	}

	owner := os.Getenv(ownerEnvVar)
	if owner == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", ownerEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), owner) {
			return owner
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", ownerEnvVar, owner, AllowedOwnersEnv, allowlist)
	os.Exit(1)

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// WriteFiles creates each relative path under root with its content,
// crashing on failure because tests cannot proceed without the fixture.
func WriteFiles(root string, files map[string]string) {
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))

		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating %s: %v\n", filepath.Dir(p), err)
			os.Exit(1)
		}

		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", p, err)
			os.Exit(1)
		}
	}
}
