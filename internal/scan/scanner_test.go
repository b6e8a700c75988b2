package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/logging"
	"github.com/pluginops/guardian/internal/rules"
)

const frontmatterRule = `{
	"rule_id": "hook-frontmatter",
	"version": "1.0.0",
	"category": "structure",
	"severity": "error",
	"confidence": 0.8,
	"applies_to": {"component": "hooks", "pattern": "\\.md$"},
	"validation": {
		"checks": [
			{"check_id": "has-frontmatter", "type": "structure", "min_dashes": 2,
			 "error_message": "hook files need YAML frontmatter"}
		]
	}
}`

// newTestScanner builds an ecosystem with one core rule, a plugin whose hook
// file violates it, and a clean plugin that does not.
func newTestScanner(t *testing.T) (*Scanner, *ledger.Store) {
	t.Helper()
	base := t.TempDir()

	ruleDir := filepath.Join(base, "rules", "core")
	if err := os.MkdirAll(ruleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ruleDir, "frontmatter.json"), []byte(frontmatterRule), 0o644); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(base, "plugins")
	writeFile(t, filepath.Join(root, "broken", "hooks", "pre-commit.md"), "no frontmatter here\n")
	writeFile(t, filepath.Join(root, "clean", "hooks", "pre-commit.md"), "---\nname: ok\n---\nbody\n")
	writeFile(t, filepath.Join(root, "broken", "commands", "run.md"), "not a hook, ignored\n")

	store := rules.NewStore(ruleDir,
		filepath.Join(base, "rules", "learned"),
		filepath.Join(base, "rules", "external"),
		logging.Discard().Logger)

	led, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	return New(root, store, led, "scan-test", logging.Discard().Logger), led
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunDetectsAndRecords(t *testing.T) {
	scanner, led := newTestScanner(t)
	ctx := context.Background()

	stats, err := scanner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.RulesLoaded != 1 {
		t.Errorf("rules loaded = %d, want 1", stats.RulesLoaded)
	}
	if stats.Plugins != 2 {
		t.Errorf("plugins = %d, want 2", stats.Plugins)
	}
	if stats.Violations != 1 || stats.Recorded != 1 {
		t.Errorf("violations=%d recorded=%d, want 1 and 1", stats.Violations, stats.Recorded)
	}

	pending, err := led.List(ctx, ledger.Filter{Status: ledger.StatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly 1 pending issue, got %d", len(pending))
	}
	issue := pending[0]
	if issue.Plugin != "broken" || issue.Component != "hooks" || issue.RuleID != "hook-frontmatter" {
		t.Errorf("unexpected issue identity: %+v", issue)
	}
	if issue.Path != "hooks/pre-commit.md" {
		t.Errorf("issue path = %q", issue.Path)
	}
}

func TestSecondCycleDeduplicates(t *testing.T) {
	scanner, led := newTestScanner(t)
	ctx := context.Background()

	if _, err := scanner.Run(ctx); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	stats, err := scanner.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if stats.Recorded != 0 {
		t.Errorf("second cycle recorded %d issues, want 0", stats.Recorded)
	}
	if stats.Deduplicated != 1 {
		t.Errorf("second cycle deduplicated = %d, want 1", stats.Deduplicated)
	}

	pending, err := led.List(ctx, ledger.Filter{Status: ledger.StatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending issues after two cycles = %d, want 1", len(pending))
	}
}

func TestRunSkipsDotDirectories(t *testing.T) {
	scanner, led := newTestScanner(t)
	ctx := context.Background()

	// A violating file hidden in a dot directory must not be scanned.
	writeFile(t, filepath.Join(scanner.root, "broken", ".git", "hooks", "sneaky.md"), "no frontmatter\n")

	if _, err := scanner.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	pending, err := led.List(ctx, ledger.Filter{Status: ledger.StatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, issue := range pending {
		if issue.Path == ".git/hooks/sneaky.md" {
			t.Error("dot directories must be skipped")
		}
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	scanner, _ := newTestScanner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := scanner.Run(ctx); err == nil {
		t.Error("expected an error when the context is already cancelled")
	}
}

func TestTopComponent(t *testing.T) {
	cases := map[string]string{
		"hooks/pre-commit.md": "hooks",
		"hooks/sub/deep.md":   "hooks",
		"manifest.json":       "manifest.json",
	}
	for in, want := range cases {
		if got := topComponent(in); got != want {
			t.Errorf("topComponent(%q) = %q, want %q", in, got, want)
		}
	}
}
