package rules

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Provenance identifies which tier a rule was loaded from. Promotion between
// tiers is a manual act; the engine never moves rules.
type Provenance string

const (
	ProvenanceCore     Provenance = "core"
	ProvenanceLearned  Provenance = "learned"
	ProvenanceExternal Provenance = "external"
)

// CheckType selects the evaluation semantics of a check.
type CheckType string

const (
	CheckRegex     CheckType = "regex"
	CheckJSONField CheckType = "json-field"
	CheckStructure CheckType = "structure"
)

// CheckMode controls whether a regex pattern must be present or absent.
// The original rule format only expressed presence; forbid is an additive
// extension and require remains the default for rules that omit the field.
type CheckMode string

const (
	ModeRequire CheckMode = "require"
	ModeForbid  CheckMode = "forbid"
)

// Rule is one declarative validation rule as stored on disk.
type Rule struct {
	ID         string     `json:"rule_id" validate:"required"`
	Version    string     `json:"version" validate:"required"`
	Category   string     `json:"category"`
	Severity   Severity   `json:"severity" validate:"required,oneof=error warning info"`
	Confidence float64    `json:"confidence" validate:"gte=0.1,lte=1.0"`
	AppliesTo  AppliesTo  `json:"applies_to"`
	Validation Validation `json:"validation" validate:"required"`

	// FixTemplate is an opaque hint passed through to the external fixer.
	FixTemplate string   `json:"fix_template,omitempty"`
	References  []string `json:"references,omitempty"`
	LearnedFrom string   `json:"learned_from,omitempty"`
	LastUpdated string   `json:"last_updated,omitempty"`

	// Provenance is derived from the directory the rule was loaded from,
	// never from the file itself.
	Provenance Provenance `json:"-"`

	// SourcePath is the file the rule was loaded from. Used by the
	// confidence write path.
	SourcePath string `json:"-"`
}

// AppliesTo narrows which artifacts a rule is evaluated against. Both
// predicates are optional; an absent predicate always matches.
type AppliesTo struct {
	// Component is a top-level component directory, e.g. "hooks" or "agents".
	Component string `json:"component,omitempty"`
	// Pattern is a regex matched against the artifact's full relative path.
	Pattern string `json:"pattern,omitempty"`
}

// Validation holds the ordered check list of a rule.
type Validation struct {
	Checks []CheckSpec `json:"checks" validate:"required,min=1,dive"`
}

// CheckSpec is the raw on-disk form of one check. The checks package compiles
// it into a typed Check before evaluation.
type CheckSpec struct {
	CheckID string    `json:"check_id" validate:"required"`
	Type    CheckType `json:"type" validate:"required,oneof=regex json-field structure"`

	// regex and json-field: Pattern is the (value) regex. A regex check with
	// no pattern is a non-fatal authoring error and trivially passes.
	Pattern string `json:"pattern,omitempty"`
	// regex only: require (default) or forbid.
	Mode CheckMode `json:"mode,omitempty" validate:"omitempty,oneof=require forbid"`

	// json-field only.
	Field    string `json:"field,omitempty"`
	Required bool   `json:"required,omitempty"`

	// structure only: exactly one sub-mode is evaluated, selected by which
	// parameter is present.
	Path      string `json:"path,omitempty"`
	MinDashes int    `json:"min_dashes,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a rule against the schema. It is called for every loaded
// rule; failures cause the rule to be skipped, never a load abort.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	v := r.Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid version %q: not a semantic version", r.Version)
	}
	return nil
}

// Slug returns a branch-safe identifier for the rule, used in debug branch
// names.
func (r *Rule) Slug() string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			return c
		case c >= 'A' && c <= 'Z':
			return c + ('a' - 'A')
		default:
			return '-'
		}
	}, r.ID)
}
