// Package checks evaluates individual rule checks against plugin artifacts.
//
// Each check type is a concrete struct behind the Check interface, so the set
// of types is closed at compile time instead of dispatched on strings. The
// policy split is deliberate and asymmetric: a missing artifact is a
// violation for content checks (fail-closed), while authoring mistakes in the
// check definition itself degrade to a pass (fail-open) so malformed rules
// never manufacture false positives.
package checks

import (
	"fmt"

	"github.com/pluginops/guardian/internal/rules"
)

// Artifact identifies one file (or directory) under the plugin root.
type Artifact struct {
	// Root is the absolute plugin root directory.
	Root string
	// RelPath is the artifact path relative to Root, slash-separated.
	RelPath string
	// Plugin is the owning plugin name, used for issue attribution.
	Plugin string
}

// Evidence captures what a violated check expected versus what it found.
type Evidence struct {
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Diff     string `json:"diff,omitempty"`
	Message  string `json:"error_message,omitempty"`
}

// Violation is a single failed check against a single artifact.
type Violation struct {
	RuleID     string         `json:"rule_id"`
	CheckID    string         `json:"check_id"`
	Severity   rules.Severity `json:"severity"`
	Confidence float64        `json:"confidence"`
	Path       string         `json:"path"`
	Line       int            `json:"line,omitempty"`
	Evidence   Evidence       `json:"evidence"`
}

// Check is one compiled, typed test. Evaluate returns nil when the artifact
// passes and a populated Violation when it does not. An error is reserved for
// conditions the fail-open/fail-closed policies don't already absorb, which
// in practice means it is always nil for the built-in types.
type Check interface {
	ID() string
	Evaluate(artifact Artifact) (*Violation, error)
}

// Compile turns a rule's raw check spec into a typed Check. Unknown types are
// a schema bug (the store validates the enum), so Compile failing indicates a
// programming error rather than bad rule data.
func Compile(spec rules.CheckSpec, rule *rules.Rule) (Check, error) {
	base := base{spec: spec, rule: rule}
	switch spec.Type {
	case rules.CheckRegex:
		return &RegexCheck{base: base}, nil
	case rules.CheckJSONField:
		return &JSONFieldCheck{base: base}, nil
	case rules.CheckStructure:
		return &StructureCheck{base: base}, nil
	default:
		return nil, fmt.Errorf("unknown check type %q in rule %s", spec.Type, rule.ID)
	}
}

// CompileAll compiles every check of a rule, preserving order.
func CompileAll(rule *rules.Rule) ([]Check, error) {
	out := make([]Check, 0, len(rule.Validation.Checks))
	for _, spec := range rule.Validation.Checks {
		c, err := Compile(spec, rule)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// base carries the fields shared by all check types.
type base struct {
	spec rules.CheckSpec
	rule *rules.Rule
}

func (b *base) ID() string { return b.spec.CheckID }

// violation builds a Violation pre-filled with rule metadata. The severity
// and confidence are copied from the rule at detection time so later rule
// edits don't rewrite history.
func (b *base) violation(artifact Artifact, ev Evidence) *Violation {
	if ev.Message == "" {
		ev.Message = b.spec.ErrorMessage
	}
	return &Violation{
		RuleID:     b.rule.ID,
		CheckID:    b.spec.CheckID,
		Severity:   b.rule.Severity,
		Confidence: b.rule.Confidence,
		Path:       artifact.RelPath,
		Evidence:   ev,
	}
}
