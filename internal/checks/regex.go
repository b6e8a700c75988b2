package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pluginops/guardian/internal/rules"
)

// RegexCheck tests whether a pattern is found anywhere in the artifact
// content. The default mode (require) passes when the pattern is present;
// mode forbid inverts that, passing when the pattern is absent.
type RegexCheck struct {
	base
}

// Evaluate applies the check policies:
//   - no pattern configured: authoring error, trivially passes (fail-open)
//   - unreadable or missing artifact: violation (fail-closed)
//   - pattern that does not compile: trivially passes, same reasoning as a
//     missing pattern — a broken rule must not flag healthy artifacts
func (c *RegexCheck) Evaluate(artifact Artifact) (*Violation, error) {
	if c.spec.Pattern == "" {
		return nil, nil
	}

	re, err := regexp.Compile("(?m)" + c.spec.Pattern)
	if err != nil {
		return nil, nil
	}

	content, err := os.ReadFile(filepath.Join(artifact.Root, filepath.FromSlash(artifact.RelPath)))
	if err != nil {
		return c.violation(artifact, Evidence{
			Expected: "readable artifact",
			Actual:   fmt.Sprintf("read failed: %v", err),
		}), nil
	}

	found := re.Match(content)
	mode := c.spec.Mode
	if mode == "" {
		mode = rules.ModeRequire
	}

	switch mode {
	case rules.ModeRequire:
		if found {
			return nil, nil
		}
		return c.violation(artifact, Evidence{
			Expected: fmt.Sprintf("pattern %q present", c.spec.Pattern),
			Actual:   "pattern not found",
		}), nil
	case rules.ModeForbid:
		if !found {
			return nil, nil
		}
		return c.violation(artifact, Evidence{
			Expected: fmt.Sprintf("pattern %q absent", c.spec.Pattern),
			Actual:   "pattern found",
		}), nil
	default:
		return nil, nil
	}
}
