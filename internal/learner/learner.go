// Package learner recalibrates per-rule confidence from observed fix-outcome
// approvals. It runs on a much longer cadence than the scan daemon (or on
// demand) and writes adjustments through the rule store's explicit write
// path, committed to a dedicated branch so every recalibration is auditable.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pluginops/guardian/internal/gitops"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/rules"
)

// Adjustment policy constants. A rule needs a minimum sample before its
// confidence moves at all; below that, approval rates are noise.
const (
	MinOutcomes = 5

	highApprovalRate = 0.90
	lowApprovalRate  = 0.30

	rewardDelta  = 0.05
	penaltyDelta = -0.10
	decayDelta   = -0.02
)

// Learner adjusts rule confidence from recorded outcomes.
type Learner struct {
	store       *rules.Store
	ledger      *ledger.Store
	coordinator *gitops.Coordinator // nil disables the branch-commit write path
	sessionID   string
	logger      *slog.Logger
}

// RuleAdjustment describes what happened to one rule during a run.
type RuleAdjustment struct {
	RuleID        string  `json:"rule_id"`
	Outcomes      int     `json:"outcomes"`
	ApprovalRate  float64 `json:"approval_rate"`
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	Skipped       bool    `json:"skipped"`
	SkipReason    string  `json:"skip_reason,omitempty"`
}

// Report summarizes a learner run.
type Report struct {
	RanAt       time.Time           `json:"ran_at"`
	Adjustments []RuleAdjustment    `json:"adjustments"`
	Health      *ledger.HealthStats `json:"health"`
	CommitHash  string              `json:"commit_hash,omitempty"`
}

// New creates a Learner. Pass a nil coordinator to adjust rule files without
// committing (useful in tests and dry runs).
func New(store *rules.Store, led *ledger.Store, coordinator *gitops.Coordinator, sessionID string, logger *slog.Logger) *Learner {
	return &Learner{store: store, ledger: led, coordinator: coordinator, sessionID: sessionID, logger: logger}
}

// Run recalibrates every eligible rule and computes the aggregate health
// score. Rules with fewer than MinOutcomes recorded outcomes are left alone.
// Approval ≥ 90% earns +0.05; ≤ 30% costs 0.10; anything in between decays
// by 0.02, favoring rules with demonstrated high precision. Results clamp to
// [0.1, 1.0].
func (l *Learner) Run(ctx context.Context, staleWindow time.Duration) (*Report, error) {
	report := &Report{RanAt: time.Now().UTC()}

	outcomes, err := l.ledger.OutcomesByRule(ctx)
	if err != nil {
		return nil, err
	}

	allRules, err := l.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	byID := make(map[string]*rules.Rule, len(allRules))
	for _, r := range allRules {
		byID[r.ID] = r
	}

	if l.coordinator != nil && len(outcomes) > 0 {
		slug := fmt.Sprintf("confidence-%s", report.RanAt.Format("2006-01-02"))
		if _, err := l.coordinator.EnsureBranch(ctx, "guardian", slug); err != nil {
			return nil, fmt.Errorf("preparing recalibration branch: %w", err)
		}
	}

	adjusted := 0
	for ruleID, ruleOutcomes := range outcomes {
		adj := RuleAdjustment{RuleID: ruleID, Outcomes: len(ruleOutcomes)}

		rule, ok := byID[ruleID]
		if !ok {
			adj.Skipped = true
			adj.SkipReason = "rule no longer loaded"
			report.Adjustments = append(report.Adjustments, adj)
			continue
		}
		adj.OldConfidence = rule.Confidence

		if len(ruleOutcomes) < MinOutcomes {
			adj.Skipped = true
			adj.SkipReason = fmt.Sprintf("only %d outcomes (need %d)", len(ruleOutcomes), MinOutcomes)
			adj.NewConfidence = rule.Confidence
			report.Adjustments = append(report.Adjustments, adj)
			continue
		}

		approvals := 0
		for _, o := range ruleOutcomes {
			if o.Approved {
				approvals++
			}
		}
		adj.ApprovalRate = float64(approvals) / float64(len(ruleOutcomes))

		var delta float64
		switch {
		case adj.ApprovalRate >= highApprovalRate:
			delta = rewardDelta
		case adj.ApprovalRate <= lowApprovalRate:
			delta = penaltyDelta
		default:
			delta = decayDelta
		}
		adj.NewConfidence = rules.ClampConfidence(rule.Confidence + delta)

		if err := l.store.WriteConfidence(rule, adj.NewConfidence); err != nil {
			adj.Skipped = true
			adj.SkipReason = err.Error()
			adj.NewConfidence = adj.OldConfidence
			l.logger.Warn("confidence adjustment skipped", "rule", ruleID, "reason", err)
			report.Adjustments = append(report.Adjustments, adj)
			continue
		}

		adjusted++
		l.logger.Info("confidence adjusted",
			"rule", ruleID,
			"approval_rate", fmt.Sprintf("%.0f%%", adj.ApprovalRate*100),
			"old", adj.OldConfidence,
			"new", adj.NewConfidence)
		report.Adjustments = append(report.Adjustments, adj)
	}

	if l.coordinator != nil && adjusted > 0 {
		if err := l.coordinator.StageAll(ctx); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("chore(rules): recalibrate confidence for %d rules\n\nSession-ID: %s\n", adjusted, l.sessionID)
		hash, err := l.coordinator.Commit(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("committing recalibration: %w", err)
		}
		report.CommitHash = hash
	}

	health, err := l.ledger.HealthScore(ctx, staleWindow)
	if err != nil {
		return nil, err
	}
	report.Health = health

	return report, nil
}
