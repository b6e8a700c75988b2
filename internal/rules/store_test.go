package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pluginops/guardian/internal/logging"
)

func writeRule(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create rule dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write rule file: %v", err)
	}
	return path
}

const validRule = `{
	"rule_id": "hook-frontmatter",
	"version": "1.0.0",
	"category": "structure",
	"severity": "error",
	"confidence": 0.8,
	"applies_to": {"component": "hooks", "pattern": "\\.md$"},
	"validation": {
		"checks": [
			{"check_id": "has-frontmatter", "type": "structure", "min_dashes": 2}
		]
	}
}`

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	base := t.TempDir()
	core := filepath.Join(base, "core")
	learned := filepath.Join(base, "learned")
	store := NewStore(core, learned, filepath.Join(base, "external"), logging.Discard().Logger)
	return store, core, learned
}

func TestLoadSortsByConfidenceDescending(t *testing.T) {
	store, core, learned := newTestStore(t)

	writeRule(t, core, "low.json", `{
		"rule_id": "low", "version": "1.0.0", "severity": "info", "confidence": 0.3,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)
	writeRule(t, learned, "high.json", `{
		"rule_id": "high", "version": "2.1.0", "severity": "warning", "confidence": 0.9,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(loaded))
	}
	if loaded[0].ID != "high" || loaded[1].ID != "low" {
		t.Errorf("expected confidence-descending order, got %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[0].Provenance != ProvenanceLearned {
		t.Errorf("expected learned provenance, got %s", loaded[0].Provenance)
	}
}

func TestLoadSkipsInvalidRules(t *testing.T) {
	store, core, _ := newTestStore(t)

	writeRule(t, core, "good.json", validRule)
	writeRule(t, core, "broken.json", `{not json`)
	writeRule(t, core, "bad-severity.json", `{
		"rule_id": "bad", "version": "1.0.0", "severity": "catastrophic", "confidence": 0.5,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)
	writeRule(t, core, "bad-confidence.json", `{
		"rule_id": "toolow", "version": "1.0.0", "severity": "info", "confidence": 0.05,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)
	writeRule(t, core, "bad-version.json", `{
		"rule_id": "notsemver", "version": "latest", "severity": "info", "confidence": 0.5,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)
	writeRule(t, core, "notes.txt", "not a rule")

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected only the valid rule to load, got %d", len(loaded))
	}
	if loaded[0].ID != "hook-frontmatter" {
		t.Errorf("unexpected rule loaded: %s", loaded[0].ID)
	}
}

func TestLoadMissingDirectoriesAreEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no rules, got %d", len(loaded))
	}
}

func TestWriteConfidenceClampsAndStamps(t *testing.T) {
	store, _, learned := newTestStore(t)
	path := writeRule(t, learned, "r.json", `{
		"rule_id": "r", "version": "1.0.0", "severity": "info", "confidence": 0.5,
		"validation": {"checks": [{"check_id": "c", "type": "regex", "pattern": "x"}]}
	}`)

	rule, err := store.Get("r")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := store.WriteConfidence(rule, 1.7); err != nil {
		t.Fatalf("WriteConfidence failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read rule back: %v", err)
	}
	var onDisk Rule
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("failed to parse rule back: %v", err)
	}
	if onDisk.Confidence != 1.0 {
		t.Errorf("expected confidence clamped to 1.0, got %v", onDisk.Confidence)
	}
	if onDisk.LastUpdated == "" {
		t.Error("expected last_updated to be stamped")
	}
}

func TestWriteConfidenceCoreRule(t *testing.T) {
	store, core, _ := newTestStore(t)
	path := writeRule(t, core, "r.json", validRule)

	rule, err := store.Get("hook-frontmatter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Provenance does not gate the write path; core rules recalibrate like
	// any other tier.
	if err := store.WriteConfidence(rule, 0.7); err != nil {
		t.Fatalf("WriteConfidence failed for a core rule: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read rule back: %v", err)
	}
	var onDisk Rule
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("failed to parse rule back: %v", err)
	}
	if onDisk.Confidence != 0.7 {
		t.Errorf("expected persisted confidence 0.7, got %v", onDisk.Confidence)
	}
}

func TestClampConfidenceBounds(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.0, 0.1},
		{0.1, 0.1},
		{0.55, 0.55},
		{1.0, 1.0},
		{1.5, 1.0},
		{-3, 0.1},
	}
	for _, tc := range cases {
		if got := ClampConfidence(tc.in); got != tc.want {
			t.Errorf("ClampConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
