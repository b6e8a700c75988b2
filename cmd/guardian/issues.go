package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/ledger"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Inspect and resolve recorded issues",
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		plugin, _ := cmd.Flags().GetString("plugin")
		limit, _ := cmd.Flags().GetInt("limit")

		issues, err := led.List(context.Background(), ledger.Filter{
			Status: ledger.Status(status),
			Plugin: plugin,
			Limit:  limit,
		})
		if err != nil {
			return err
		}

		if len(issues) == 0 {
			fmt.Println("No issues found.")
			return nil
		}

		for _, issue := range issues {
			fmt.Printf("%s  %-8s  %-7s  %s  %s/%s\n",
				issue.IssueID[:8],
				colorStatus(issue.Status),
				issue.Severity,
				issue.RuleID,
				issue.Plugin,
				issue.Path)
		}
		fmt.Printf("\n%d issue(s)\n", len(issues))
		return nil
	},
}

var issuesShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show one issue in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issue, err := led.Get(context.Background(), args[0])
		if err != nil {
			return err
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %s\n", bold("Issue:"), issue.IssueID)
		fmt.Printf("%s %s\n", bold("Status:"), colorStatus(issue.Status))
		fmt.Printf("%s %s / %s\n", bold("Plugin:"), issue.Plugin, issue.Component)
		fmt.Printf("%s %s (check %s)\n", bold("Rule:"), issue.RuleID, issue.CheckID)
		fmt.Printf("%s %s  %s confidence %.2f\n", bold("Severity:"), issue.Severity, bold("with"), issue.Confidence)
		fmt.Printf("%s %s\n", bold("Artifact:"), issue.Path)
		fmt.Printf("%s %s (session %s)\n", bold("Detected:"), issue.DetectedAt.Format("2006-01-02 15:04:05"), issue.SessionID)
		if issue.Evidence.Expected != "" {
			fmt.Printf("%s %s\n", bold("Expected:"), issue.Evidence.Expected)
		}
		if issue.Evidence.Actual != "" {
			fmt.Printf("%s %s\n", bold("Actual:"), issue.Evidence.Actual)
		}
		if issue.Evidence.Message != "" {
			fmt.Printf("%s %s\n", bold("Message:"), issue.Evidence.Message)
		}
		if issue.ResolvedAt != nil {
			fmt.Printf("%s %s (%s)\n", bold("Resolved:"), issue.ResolvedAt.Format("2006-01-02 15:04:05"), issue.ResolutionNote)
		}
		return nil
	},
}

var issuesResolveCmd = &cobra.Command{
	Use:   "resolve <issue-id> <fixed|rejected>",
	Short: "Transition a pending issue to fixed or rejected",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		if err := led.Resolve(context.Background(), args[0], ledger.Status(args[1]), note); err != nil {
			return err
		}
		fmt.Printf("Issue %s marked %s\n", args[0], args[1])
		return nil
	},
}

var issuesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger as line-delimited JSON on stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return led.ExportJSONL(context.Background(), os.Stdout)
	},
}

func colorStatus(status ledger.Status) string {
	switch status {
	case ledger.StatusPending:
		return color.YellowString(string(status))
	case ledger.StatusFixed:
		return color.GreenString(string(status))
	case ledger.StatusRejected:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

func init() {
	issuesListCmd.Flags().String("status", "", "filter by status (pending|fixed|rejected)")
	issuesListCmd.Flags().String("plugin", "", "filter by plugin")
	issuesListCmd.Flags().Int("limit", 50, "maximum issues to list")
	issuesResolveCmd.Flags().String("note", "", "resolution note")

	issuesCmd.AddCommand(issuesListCmd)
	issuesCmd.AddCommand(issuesShowCmd)
	issuesCmd.AddCommand(issuesResolveCmd)
	issuesCmd.AddCommand(issuesExportCmd)
	rootCmd.AddCommand(issuesCmd)
}
