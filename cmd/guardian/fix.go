package main

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/fix"
	"github.com/pluginops/guardian/internal/gitops"
	"github.com/pluginops/guardian/internal/ledger"
)

var fixCmd = &cobra.Command{
	Use:   "fix <issue-id>",
	Short: "Propose, validate, and commit a fix for a pending issue",
	Long: `Run the fix pipeline for one issue: acquire the branch lock, switch to the
issue's debug branch, ask the fixer for a candidate patch, gate it on the
critic score, and commit with Issue-ID/Session-ID trailers. The push is a
separate, explicit step (--push).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		push, _ := cmd.Flags().GetBool("push")

		if cfg.AnthropicModel == "" {
			return fmt.Errorf("anthropic_model is not configured; set it in guardian.yaml or GUARDIAN_ANTHROPIC_MODEL")
		}

		coordinator, err := gitops.New(ctx, cfg.PluginRoot)
		if err != nil {
			return err
		}

		sessionID := "fix-" + uuid.NewString()[:8]
		client := anthropic.NewClient()
		pipeline := fix.NewPipeline(
			lockManager(sessionID),
			coordinator,
			led,
			ruleStore,
			fix.NewAnthropicFixer(&client, cfg.AnthropicModel),
			fix.NewAnthropicCritic(&client, cfg.AnthropicModel),
			cfg.CriticMinScore,
			sessionID,
			logger.Logger,
		)

		result, err := pipeline.Apply(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n", color.GreenString("Fix committed:"), result.CommitHash)
		fmt.Printf("  Branch:  %s\n", result.Branch)
		fmt.Printf("  Score:   %d (gate %d)\n", result.Score, cfg.CriticMinScore)
		fmt.Printf("  Summary: %s\n", result.Summary)

		if push {
			if err := coordinator.Push(ctx, result.Branch); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("Pushed:"), result.Branch)
		}
		return nil
	},
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <issue-id> <approved|denied>",
	Short: "Record the human decision on an applied fix",
	Long: `Record whether a committed fix was approved. Outcomes feed the confidence
learner: rules whose fixes are consistently approved gain confidence, rules
whose fixes are consistently denied lose it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		note, _ := cmd.Flags().GetString("note")

		var approved bool
		switch args[1] {
		case "approved":
			approved = true
		case "denied":
			approved = false
		default:
			return fmt.Errorf("outcome must be approved or denied, got %q", args[1])
		}

		issue, err := led.Get(ctx, args[0])
		if err != nil {
			return err
		}

		if err := led.RecordOutcome(ctx, &ledger.Outcome{
			IssueID:  issue.IssueID,
			RuleID:   issue.RuleID,
			Approved: approved,
			Score:    issue.FixScore,
			Note:     note,
		}); err != nil {
			return err
		}
		fmt.Printf("Outcome recorded for %s: %s\n", issue.IssueID, args[1])
		return nil
	},
}

func init() {
	fixCmd.Flags().Bool("push", false, "push the debug branch after committing")
	outcomeCmd.Flags().String("note", "", "reviewer note")
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(outcomeCmd)
}
