package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"
)

// JSONFieldCheck extracts a (possibly dotted) field from a JSON artifact and
// validates its presence and, optionally, its value against a pattern.
type JSONFieldCheck struct {
	base
}

// Evaluate semantics:
//   - no field configured: authoring error, trivially passes
//   - unreadable/missing artifact: violation (fail-closed)
//   - artifact is not valid JSON: violation — the manifest itself is broken,
//     which is exactly what a manifest rule exists to flag
//   - required field absent or empty: violation
//   - pattern configured and field present: string form must match
//   - optional field absent, no pattern: pass
func (c *JSONFieldCheck) Evaluate(artifact Artifact) (*Violation, error) {
	if c.spec.Field == "" {
		return nil, nil
	}

	content, err := os.ReadFile(filepath.Join(artifact.Root, filepath.FromSlash(artifact.RelPath)))
	if err != nil {
		return c.violation(artifact, Evidence{
			Expected: "readable artifact",
			Actual:   fmt.Sprintf("read failed: %v", err),
		}), nil
	}

	if !gjson.ValidBytes(content) {
		return c.violation(artifact, Evidence{
			Expected: "valid JSON document",
			Actual:   "unparseable content",
		}), nil
	}

	value := gjson.GetBytes(content, c.spec.Field)

	if !value.Exists() || value.String() == "" {
		if c.spec.Required {
			return c.violation(artifact, Evidence{
				Expected: fmt.Sprintf("field %q present and non-empty", c.spec.Field),
				Actual:   "absent or empty",
			}), nil
		}
		return nil, nil
	}

	if c.spec.Pattern != "" {
		re, err := regexp.Compile(c.spec.Pattern)
		if err != nil {
			// Broken value pattern is an authoring error; fail open.
			return nil, nil
		}
		if !re.MatchString(value.String()) {
			return c.violation(artifact, Evidence{
				Expected: fmt.Sprintf("field %q matching %q", c.spec.Field, c.spec.Pattern),
				Actual:   value.String(),
			}), nil
		}
	}

	return nil, nil
}
