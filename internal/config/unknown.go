package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"source":  {"templates_dir"},
	"targets": {"owner", "include", "exclude", "source_repository"},
	"api": {
		"base_url", "token_file", "user_agent", "requests_per_hour", "burst",
		"max_wait", "request_timeout",
	},
	"retry":   {"max_attempts", "base_backoff", "max_backoff"},
	"breaker": {"failure_threshold", "cooldown"},
	"apply":   {"branch_prefix", "labels", "override_path", "close_superseded"},
	"engine":  {"workers", "state_dir"},
	"logging": {"log_level", "log_format"},
	"metrics": {"textfile"},
}

// knownSectionsList is the sorted list of section names. Sorted for
// deterministic suggestions when two candidates have the same edit distance.
var knownSectionsList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		// An unknown table reports once, not once per key inside it.
		if _, ok := knownKeys[key[0]]; !ok {
			if reported[key[0]] {
				continue
			}

			reported[key[0]] = true
		}

		if err := buildKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, suggesting
// the closest known key or section.
func buildKeyError(key toml.Key) error {
	section := key[0]

	sectionKeys, ok := knownKeys[section]
	if !ok {
		if suggestion := closestMatch(section, knownSectionsList); suggestion != "" {
			return fmt.Errorf("unknown config key %q (did you mean %q?)", section, suggestion)
		}

		return fmt.Errorf("unknown config key %q", section)
	}

	if len(key) < 2 {
		return nil
	}

	field := key[1]
	full := strings.Join(key[:2], ".")

	known := append([]string(nil), sectionKeys...)
	sort.Strings(known)

	if suggestion := closestMatch(field, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)", full, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
