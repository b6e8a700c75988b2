package checks

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// frontmatterDelimiter is the line a structure check counts when enforcing
// frontmatter presence.
const frontmatterDelimiter = "---"

// StructureCheck validates filesystem shape rather than content. It has two
// sub-modes, selected by which parameter the rule supplies:
//
//   - path: a path relative to the plugin root must exist (file or directory)
//   - min_dashes: the artifact must contain at least that many lines that
//     consist solely of "---" (a frontmatter-presence heuristic)
//
// A spec with neither parameter trivially passes.
type StructureCheck struct {
	base
}

func (c *StructureCheck) Evaluate(artifact Artifact) (*Violation, error) {
	switch {
	case c.spec.Path != "":
		return c.evaluateExists(artifact), nil
	case c.spec.MinDashes > 0:
		return c.evaluateFrontmatter(artifact), nil
	default:
		return nil, nil
	}
}

func (c *StructureCheck) evaluateExists(artifact Artifact) *Violation {
	target := filepath.Join(artifact.Root, filepath.FromSlash(c.spec.Path))
	if _, err := os.Stat(target); err != nil {
		return c.violation(artifact, Evidence{
			Expected: fmt.Sprintf("path %q exists", c.spec.Path),
			Actual:   "not found",
		})
	}
	return nil
}

func (c *StructureCheck) evaluateFrontmatter(artifact Artifact) *Violation {
	f, err := os.Open(filepath.Join(artifact.Root, filepath.FromSlash(artifact.RelPath)))
	if err != nil {
		return c.violation(artifact, Evidence{
			Expected: "readable artifact",
			Actual:   fmt.Sprintf("read failed: %v", err),
		})
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimRight(scanner.Text(), "\r") == frontmatterDelimiter {
			count++
			if count >= c.spec.MinDashes {
				return nil
			}
		}
	}

	return c.violation(artifact, Evidence{
		Expected: fmt.Sprintf("at least %d %q delimiter lines", c.spec.MinDashes, frontmatterDelimiter),
		Actual:   fmt.Sprintf("found %d", count),
	})
}
