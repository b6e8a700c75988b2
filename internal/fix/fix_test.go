package fix

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pluginops/guardian/internal/checks"
	"github.com/pluginops/guardian/internal/gitops"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/lock"
	"github.com/pluginops/guardian/internal/logging"
	"github.com/pluginops/guardian/internal/rules"
)

type stubFixer struct {
	proposal *Proposal
	err      error
}

func (s *stubFixer) ProposeFix(ctx context.Context, issue *ledger.Issue, rule *rules.Rule) (*Proposal, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := *s.proposal
	p.IssueID = issue.IssueID
	return &p, nil
}

type stubCritic struct {
	score int
	err   error
}

func (s *stubCritic) Score(ctx context.Context, proposal *Proposal, issue *ledger.Issue) (int, error) {
	return s.score, s.err
}

type fixture struct {
	pipeline *Pipeline
	led      *ledger.Store
	repo     string
	issueID  string
}

const hookRule = `{
	"rule_id": "hook-frontmatter",
	"version": "1.0.0",
	"category": "structure",
	"severity": "error",
	"confidence": 0.8,
	"applies_to": {"component": "hooks"},
	"fix_template": "Add a YAML frontmatter block delimited by --- lines.",
	"validation": {
		"checks": [{"check_id": "has-frontmatter", "type": "structure", "min_dashes": 2}]
	}
}`

// newFixture builds a git-backed plugin ecosystem with one pending issue and
// a pipeline wired to the given collaborators.
func newFixture(t *testing.T, fixer Fixer, critic Critic, minScore int) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	base := t.TempDir()

	repo := filepath.Join(base, "ecosystem")
	hookPath := filepath.Join(repo, "demo", "hooks", "pre-commit.md")
	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hookPath, []byte("no frontmatter\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", repo}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	git("init", "-b", "main")
	git("config", "user.name", "guardian-test")
	git("config", "user.email", "guardian@test.local")
	git("add", "-A")
	git("commit", "-m", "initial")

	ruleDir := filepath.Join(base, "rules", "core")
	if err := os.MkdirAll(ruleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ruleDir, "hook-frontmatter.json"), []byte(hookRule), 0o644); err != nil {
		t.Fatal(err)
	}
	store := rules.NewStore(ruleDir,
		filepath.Join(base, "rules", "learned"),
		filepath.Join(base, "rules", "external"),
		logging.Discard().Logger)
	if _, err := store.Load(); err != nil {
		t.Fatal(err)
	}

	led, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	issue, err := led.Record(ctx, "demo", "hooks", "fix-test", &checks.Violation{
		RuleID:     "hook-frontmatter",
		CheckID:    "has-frontmatter",
		Severity:   rules.SeverityError,
		Confidence: 0.8,
		Path:       "hooks/pre-commit.md",
		Evidence:   checks.Evidence{Expected: "2 frontmatter delimiters", Actual: "0"},
	})
	if err != nil || issue == nil {
		t.Fatalf("failed to seed issue: %v", err)
	}

	coordinator, err := gitops.New(ctx, repo)
	if err != nil {
		t.Fatalf("gitops.New failed: %v", err)
	}
	locks := lock.NewManager(filepath.Join(base, "locks"), 10*time.Minute, 3, 10*time.Millisecond, "fix-test", logging.Discard().Logger)

	pipeline := NewPipeline(locks, coordinator, led, store, fixer, critic, minScore, "fix-test", logging.Discard().Logger)
	return &fixture{pipeline: pipeline, led: led, repo: repo, issueID: issue.IssueID}
}

const frontmatterPatch = `--- a/demo/hooks/pre-commit.md
+++ b/demo/hooks/pre-commit.md
@@ -1 +1,4 @@
+---
+name: pre-commit
+---
 no frontmatter
`

func TestApplyCommitsAndResolves(t *testing.T) {
	fixer := &stubFixer{proposal: &Proposal{Patch: frontmatterPatch, Summary: "add frontmatter block"}}
	f := newFixture(t, fixer, &stubCritic{score: 92}, 70)
	ctx := context.Background()

	result, err := f.pipeline.Apply(ctx, f.issueID)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Score != 92 {
		t.Errorf("score = %d, want 92", result.Score)
	}
	if !strings.HasPrefix(result.Branch, "debug/demo/hook-frontmatter-") {
		t.Errorf("branch = %q", result.Branch)
	}
	if result.CommitHash == "" {
		t.Error("expected a commit hash")
	}

	issue, err := f.led.Get(ctx, f.issueID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if issue.Status != ledger.StatusFixed {
		t.Errorf("issue status = %s, want fixed", issue.Status)
	}
	if !strings.HasPrefix(issue.ResolutionNote, "commit ") {
		t.Errorf("resolution note = %q, want commit reference", issue.ResolutionNote)
	}
	if issue.FixScore != 92 {
		t.Errorf("fix score = %d, want the gating critic score 92", issue.FixScore)
	}

	out, err := exec.Command("git", "-C", f.repo, "log", "-1", "--pretty=format:%B").Output()
	if err != nil {
		t.Fatal(err)
	}
	body := string(out)
	if !strings.Contains(body, "Issue-ID: "+f.issueID) {
		t.Errorf("commit message missing issue trailer:\n%s", body)
	}
	if !strings.Contains(body, "Session-ID: fix-test") {
		t.Errorf("commit message missing session trailer:\n%s", body)
	}
}

func TestApplyRejectsLowScore(t *testing.T) {
	fixer := &stubFixer{proposal: &Proposal{Patch: frontmatterPatch, Summary: "add frontmatter"}}
	f := newFixture(t, fixer, &stubCritic{score: 40}, 70)
	ctx := context.Background()

	_, err := f.pipeline.Apply(ctx, f.issueID)
	if err == nil {
		t.Fatal("expected the score gate to reject")
	}
	if !errors.Is(err, ErrScoreBelowGate) {
		t.Errorf("error = %v, want ErrScoreBelowGate in the chain", err)
	}

	// Nothing committed, issue still actionable.
	issue, err := f.led.Get(ctx, f.issueID)
	if err != nil {
		t.Fatal(err)
	}
	if issue.Status != ledger.StatusPending {
		t.Errorf("issue status = %s, want pending after rejection", issue.Status)
	}
}

func TestApplyRefusesNonPendingIssue(t *testing.T) {
	fixer := &stubFixer{proposal: &Proposal{Patch: frontmatterPatch, Summary: "s"}}
	f := newFixture(t, fixer, &stubCritic{score: 95}, 70)
	ctx := context.Background()

	if err := f.led.Resolve(ctx, f.issueID, ledger.StatusRejected, "manual"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Apply(ctx, f.issueID); err == nil {
		t.Error("expected Apply to refuse a resolved issue")
	}
}

func TestApplyRefusesEmptyProposal(t *testing.T) {
	fixer := &stubFixer{proposal: &Proposal{Patch: "", Summary: "does nothing"}}
	f := newFixture(t, fixer, &stubCritic{score: 95}, 70)

	_, err := f.pipeline.Apply(context.Background(), f.issueID)
	if err == nil {
		t.Fatal("expected an error for a proposal with no changes")
	}
	if !strings.Contains(err.Error(), "no changes") {
		t.Errorf("error = %v, want no-changes refusal", err)
	}
}

func TestApplyFailsWhenLockHeld(t *testing.T) {
	fixer := &stubFixer{proposal: &Proposal{Patch: frontmatterPatch, Summary: "s"}}
	f := newFixture(t, fixer, &stubCritic{score: 95}, 70)
	ctx := context.Background()

	issue, err := f.led.Get(ctx, f.issueID)
	if err != nil {
		t.Fatal(err)
	}
	short := issue.IssueID[:8]
	branch := "debug/demo/hook-frontmatter-" + short

	// Simulate another live session holding the branch lock.
	other := lock.NewManager(filepath.Join(filepath.Dir(f.repo), "locks"), 10*time.Minute, 1, time.Millisecond, "other", logging.Discard().Logger)
	if err := other.Acquire(branch); err != nil {
		t.Fatalf("failed to pre-acquire lock: %v", err)
	}

	if _, err := f.pipeline.Apply(ctx, f.issueID); err == nil {
		t.Fatal("expected Apply to fail while the branch lock is held")
	}
	if issue, _ := f.led.Get(ctx, f.issueID); issue.Status != ledger.StatusPending {
		t.Errorf("issue status = %s, want pending", issue.Status)
	}
}

func TestApplyReleasesLockOnFailure(t *testing.T) {
	fixer := &stubFixer{err: errors.New("fixer exploded")}
	f := newFixture(t, fixer, &stubCritic{score: 95}, 70)
	ctx := context.Background()

	if _, err := f.pipeline.Apply(ctx, f.issueID); err == nil {
		t.Fatal("expected fixer failure to surface")
	}

	// The lock must be free: a retry should get past acquisition and fail
	// on the same fixer error, not on ErrLockHeld.
	_, err := f.pipeline.Apply(ctx, f.issueID)
	if err == nil || errors.Is(err, lock.ErrLockHeld) {
		t.Errorf("lock not released on failure: %v", err)
	}
}

func TestParseJSONResponse(t *testing.T) {
	var out struct {
		Score int `json:"score"`
	}

	fenced := "Here is my review:\n```json\n{\"score\": 85}\n```\nDone."
	if err := parseJSONResponse(fenced, &out); err != nil {
		t.Fatalf("fenced parse failed: %v", err)
	}
	if out.Score != 85 {
		t.Errorf("score = %d, want 85", out.Score)
	}

	bare := "Sure. {\"score\": 42} hope that helps"
	if err := parseJSONResponse(bare, &out); err != nil {
		t.Fatalf("bare parse failed: %v", err)
	}
	if out.Score != 42 {
		t.Errorf("score = %d, want 42", out.Score)
	}

	if err := parseJSONResponse("no json here", &out); err == nil {
		t.Error("expected an error for a response with no JSON")
	}
}
