// Package fix coordinates external Fixer/Critic collaborators with the lock
// manager and branch coordinator to apply a validated fix for a pending
// issue.
//
// The engine treats collaborators as black boxes behind narrow contracts: a
// Fixer turns an issue plus its rule's fix template into a candidate patch,
// and a Critic scores a candidate patch 0–100. Everything else — locking,
// branching, the score gate, committing, outcome bookkeeping — is the
// pipeline's job.
package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pluginops/guardian/internal/gitops"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/lock"
	"github.com/pluginops/guardian/internal/rules"
)

// ErrScoreBelowGate is returned when the critic scores a proposal under the
// configured minimum. The issue stays pending and nothing is committed.
var ErrScoreBelowGate = errors.New("critic score below gate")

// Proposal is a candidate fix produced by a Fixer. Patch is a unified diff
// against the repository root; the pipeline applies it with git.
type Proposal struct {
	IssueID string `json:"issue_id"`
	Patch   string `json:"patch"`
	Summary string `json:"summary"`
}

// Fixer proposes a candidate patch for an issue.
type Fixer interface {
	ProposeFix(ctx context.Context, issue *ledger.Issue, rule *rules.Rule) (*Proposal, error)
}

// Critic scores a candidate patch from 0 (reject) to 100 (certain).
type Critic interface {
	Score(ctx context.Context, proposal *Proposal, issue *ledger.Issue) (int, error)
}

// Pipeline wires the collaborators to the coordination machinery.
type Pipeline struct {
	locks       *lock.Manager
	coordinator *gitops.Coordinator
	ledger      *ledger.Store
	store       *rules.Store
	fixer       Fixer
	critic      Critic
	minScore    int
	sessionID   string
	logger      *slog.Logger
}

// Result reports a successfully applied fix.
type Result struct {
	IssueID    string `json:"issue_id"`
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
	Score      int    `json:"score"`
	Summary    string `json:"summary"`
}

// NewPipeline assembles a fix pipeline.
func NewPipeline(locks *lock.Manager, coordinator *gitops.Coordinator, led *ledger.Store, store *rules.Store, fixer Fixer, critic Critic, minScore int, sessionID string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		locks:       locks,
		coordinator: coordinator,
		ledger:      led,
		store:       store,
		fixer:       fixer,
		critic:      critic,
		minScore:    minScore,
		sessionID:   sessionID,
		logger:      logger,
	}
}

// Apply runs the full sequence for one pending issue:
// lock → branch → propose → score gate → apply → commit → mark fixed.
// The branch lock is held for the whole sequence and released on every exit
// path; a lock failure is surfaced to the caller, never worked around.
func (p *Pipeline) Apply(ctx context.Context, issueID string) (*Result, error) {
	issue, err := p.ledger.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Status != ledger.StatusPending {
		return nil, fmt.Errorf("issue %s is %s, not pending", issueID, issue.Status)
	}

	rule, err := p.store.Get(issue.RuleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("rule %s for issue %s is no longer loaded", issue.RuleID, issueID)
	}

	slug := issueSlug(rule, issue)
	branch := gitops.BranchName(issue.Plugin, slug)

	if err := p.locks.Acquire(branch); err != nil {
		return nil, fmt.Errorf("cannot fix %s: %w", issueID, err)
	}
	defer func() {
		if err := p.locks.Release(branch); err != nil {
			p.logger.Error("failed to release branch lock", "branch", branch, "error", err)
		}
	}()

	if _, err := p.coordinator.EnsureBranch(ctx, issue.Plugin, slug); err != nil {
		return nil, err
	}

	proposal, err := p.fixer.ProposeFix(ctx, issue, rule)
	if err != nil {
		return nil, fmt.Errorf("fixer failed for issue %s: %w", issueID, err)
	}

	score, err := p.critic.Score(ctx, proposal, issue)
	if err != nil {
		return nil, fmt.Errorf("critic failed for issue %s: %w", issueID, err)
	}
	if score < p.minScore {
		p.logger.Info("proposal rejected by score gate",
			"issue", issueID, "score", score, "gate", p.minScore)
		return nil, fmt.Errorf("issue %s: score %d < gate %d: %w", issueID, score, p.minScore, ErrScoreBelowGate)
	}

	if err := p.coordinator.ApplyPatch(ctx, proposal.Patch); err != nil {
		return nil, fmt.Errorf("applying proposal for issue %s: %w", issueID, err)
	}
	if err := p.coordinator.StageAll(ctx); err != nil {
		return nil, err
	}

	staged, err := p.coordinator.HasStagedChanges(ctx)
	if err != nil {
		return nil, err
	}
	if !staged {
		return nil, fmt.Errorf("proposal for issue %s produced no changes", issueID)
	}

	hash, err := p.coordinator.CommitFix(ctx, gitops.CommitMessage{
		IssueID:     issue.IssueID,
		SessionID:   p.sessionID,
		Plugin:      issue.Plugin,
		Component:   issue.Component,
		Description: proposal.Summary,
	})
	if err != nil {
		return nil, err
	}

	// The gating score is persisted with the resolution so the eventual
	// human outcome record carries it.
	if err := p.ledger.ResolveFixed(ctx, issueID, "commit "+hash, score); err != nil {
		return nil, err
	}

	p.logger.Info("fix committed",
		"issue", issueID, "branch", branch, "commit", hash, "score", score)
	return &Result{
		IssueID:    issueID,
		Branch:     branch,
		CommitHash: hash,
		Score:      score,
		Summary:    proposal.Summary,
	}, nil
}

// issueSlug builds the branch slug from the rule ID and a short issue ID
// fragment, so two issues from the same rule land on distinct branches.
func issueSlug(rule *rules.Rule, issue *ledger.Issue) string {
	short := issue.IssueID
	if len(short) > 8 {
		short = short[:8]
	}
	return rule.Slug() + "-" + short
}
