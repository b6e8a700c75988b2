package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/gitops"
	"github.com/pluginops/guardian/internal/learner"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Recalibrate rule confidence from fix outcomes",
	Long: `Compute per-rule approval rates from recorded fix outcomes and adjust
confidence: >=90%% approval earns +0.05, <=30%% costs 0.10, anything between
decays by 0.02. Rules with fewer than 5 outcomes are untouched. Adjustments
are committed on a recalibration branch unless --no-commit is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		noCommit, _ := cmd.Flags().GetBool("no-commit")

		var coordinator *gitops.Coordinator
		if !noCommit {
			var err error
			coordinator, err = gitops.New(ctx, cfg.PluginRoot)
			if err != nil {
				return err
			}
		}

		sessionID := "learn-" + uuid.NewString()[:8]
		l := learner.New(ruleStore, led, coordinator, sessionID, logger.Logger)
		report, err := l.Run(ctx, cfg.StaleIssueWindow)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan("=== Confidence Recalibration ==="))

		if len(report.Adjustments) == 0 {
			fmt.Println("  No outcomes recorded yet.")
		}
		for _, adj := range report.Adjustments {
			if adj.Skipped {
				fmt.Printf("  %-30s skipped: %s\n", adj.RuleID, adj.SkipReason)
				continue
			}
			arrow := color.GreenString("->")
			if adj.NewConfidence < adj.OldConfidence {
				arrow = color.RedString("->")
			}
			fmt.Printf("  %-30s %.0f%% approval  %.2f %s %.2f\n",
				adj.RuleID, adj.ApprovalRate*100, adj.OldConfidence, arrow, adj.NewConfidence)
		}

		if report.CommitHash != "" {
			fmt.Printf("\n  Committed: %s\n", report.CommitHash)
		}
		fmt.Printf("\n  Health score: %.1f\n", report.Health.Score)
		return nil
	},
}

func init() {
	learnCmd.Flags().Bool("no-commit", false, "adjust rule files without committing")
	rootCmd.AddCommand(learnCmd)
}
