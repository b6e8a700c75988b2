package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Store loads rules from the three provenance tiers and owns the single
// explicit write path for confidence adjustments. Rule files are read-only at
// scan time; the learner writes through WriteConfidence on its own branch.
type Store struct {
	dirs   map[Provenance]string
	logger *slog.Logger
}

// NewStore creates a store over the given tier directories. Directories that
// do not exist are treated as empty tiers.
func NewStore(core, learned, external string, logger *slog.Logger) *Store {
	return &Store{
		dirs: map[Provenance]string{
			ProvenanceCore:     core,
			ProvenanceLearned:  learned,
			ProvenanceExternal: external,
		},
		logger: logger,
	}
}

// Load reads every *.json rule file across all tiers, validates each against
// the schema, and returns the union sorted by confidence descending. A rule
// that fails to parse or validate is logged and skipped; Load never fails
// because of a single bad rule.
func (s *Store) Load() ([]*Rule, error) {
	var all []*Rule
	for _, prov := range []Provenance{ProvenanceCore, ProvenanceLearned, ProvenanceExternal} {
		dir := s.dirs[prov]
		if dir == "" {
			continue
		}
		loaded, err := s.loadDir(dir, prov)
		if err != nil {
			return nil, err
		}
		all = append(all, loaded...)
	}

	// Confidence order determines reporting priority, not suppression: all
	// applicable rules still run. Stable so equal-confidence rules keep a
	// deterministic order across loads.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Confidence > all[j].Confidence
	})
	return all, nil
}

func (s *Store) loadDir(dir string, prov Provenance) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rule directory %s: %w", dir, err)
	}

	var out []*Rule
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rule, err := s.loadFile(path, prov)
		if err != nil {
			s.logger.Warn("skipping invalid rule", "path", path, "error", err)
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *Store) loadFile(path string, prov Provenance) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	rule.Provenance = prov
	rule.SourcePath = path
	return &rule, nil
}

// Get loads a single rule by ID, or nil if no tier defines it.
func (s *Store) Get(id string) (*Rule, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// WriteConfidence rewrites a rule file with a new confidence value, clamped
// to [0.1, 1.0], and stamps last_updated. This is the only code path that
// mutates a rule; everything else treats rule files as read-only. All three
// tiers are writable: eligibility is decided by the learner from outcome
// counts alone, and the recalibration branch keeps every adjustment under
// review regardless of provenance.
func (s *Store) WriteConfidence(rule *Rule, confidence float64) error {
	if rule.SourcePath == "" {
		return fmt.Errorf("rule %s has no source path", rule.ID)
	}

	rule.Confidence = ClampConfidence(confidence)
	rule.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(rule, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing rule %s: %w", rule.ID, err)
	}
	data = append(data, '\n')

	// Atomic replace so a concurrent scanner never observes a torn rule file.
	tmp := rule.SourcePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing rule file: %w", err)
	}
	if err := os.Rename(tmp, rule.SourcePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing rule file: %w", err)
	}
	return nil
}

// Dirs returns the tier directories that exist, for watch setup.
func (s *Store) Dirs() []string {
	var out []string
	for _, prov := range []Provenance{ProvenanceCore, ProvenanceLearned, ProvenanceExternal} {
		if dir := s.dirs[prov]; dir != "" {
			if _, err := os.Stat(dir); err == nil {
				out = append(out, dir)
			}
		}
	}
	return out
}

// ClampConfidence bounds a confidence value to the invariant range [0.1, 1.0].
func ClampConfidence(c float64) float64 {
	if c < 0.1 {
		return 0.1
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}
