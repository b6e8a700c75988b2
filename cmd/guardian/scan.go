package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle",
	Long: `Load the active rule set, evaluate every plugin artifact against the
applicable rules, and record violations as pending issues. Re-running over an
unfixed artifact is idempotent: a pending issue per (plugin, component, rule)
is recorded at most once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sessionID := "cli-" + uuid.NewString()[:8]

		scanner := scan.New(cfg.PluginRoot, ruleStore, led, sessionID, logger.Logger)
		stats, err := scanner.Run(ctx)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan("=== Scan Complete ==="))
		fmt.Printf("  Rules loaded:   %d\n", stats.RulesLoaded)
		fmt.Printf("  Plugins:        %d\n", stats.Plugins)
		fmt.Printf("  Artifacts:      %d\n", stats.Artifacts)
		fmt.Printf("  Violations:     %d\n", stats.Violations)
		fmt.Printf("  New issues:     %d\n", stats.Recorded)
		fmt.Printf("  Deduplicated:   %d\n", stats.Deduplicated)
		fmt.Printf("  Duration:       %s\n", stats.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
