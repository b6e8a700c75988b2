package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the ledger health score",
	Long: `Compute health = resolution_rate - stale_rate over the issue ledger.
The engine does not enforce a threshold; by convention a score of 70 or more
is considered healthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		stats, err := led.HealthScore(ctx, cfg.StaleIssueWindow)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan("=== Plugin Ecosystem Health ==="))
		fmt.Printf("  Total issues:    %d\n", stats.Total)
		fmt.Printf("  Resolved:        %d\n", stats.Resolved)
		fmt.Printf("  Pending:         %d (%d stale)\n", stats.Pending, stats.StalePending)
		fmt.Printf("  Resolution rate: %.1f%%\n", stats.ResolutionRate)
		fmt.Printf("  Stale rate:      %.1f%%\n", stats.StaleRate)

		scoreStr := fmt.Sprintf("%.1f", stats.Score)
		if stats.Score >= float64(cfg.HealthyScore) {
			fmt.Printf("\n  Health score:    %s\n", color.GreenString(scoreStr))
		} else {
			fmt.Printf("\n  Health score:    %s (below %d)\n", color.RedString(scoreStr), cfg.HealthyScore)
		}

		sessions, err := led.ActiveSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) > 0 {
			fmt.Printf("\n  Active daemons:\n")
			for _, sess := range sessions {
				stale := ""
				if time.Since(sess.LastHeartbeat) > 2*cfg.ScanInterval {
					stale = color.YellowString("  (heartbeat stale)")
				}
				fmt.Printf("    %s pid=%d last heartbeat %s%s\n",
					sess.SessionID[:8], sess.PID,
					sess.LastHeartbeat.Format("15:04:05"), stale)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
