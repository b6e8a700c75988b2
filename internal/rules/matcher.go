package rules

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Match returns the subset of rules applicable to the artifact at relPath
// (relative to the plugin root, slash-separated). A rule applies when its
// component predicate prefix-matches the artifact's top-level directory and
// its path pattern matches the full relative path. Either predicate may be
// absent, in which case it always matches.
//
// Match is pure: it has no side effects and reads no state beyond its
// arguments. A pattern that fails to compile is treated as non-matching for
// that rule.
func Match(all []*Rule, relPath string) []*Rule {
	relPath = filepath.ToSlash(relPath)
	component := topComponent(relPath)

	var out []*Rule
	for _, rule := range all {
		if !componentMatches(rule.AppliesTo.Component, component) {
			continue
		}
		if !patternMatches(rule.AppliesTo.Pattern, relPath) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// topComponent extracts the first path element, e.g. "hooks" from
// "hooks/pre-commit.md".
func topComponent(relPath string) string {
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		return relPath[:i]
	}
	return relPath
}

func componentMatches(selector, component string) bool {
	if selector == "" {
		return true
	}
	// Selectors are written both as "hooks" and "hooks/".
	selector = strings.TrimSuffix(selector, "/")
	return strings.HasPrefix(component, selector)
}

func patternMatches(pattern, relPath string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(relPath)
}
