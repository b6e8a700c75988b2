package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/lock"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and release branch locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently held branch locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lockManager("cli")
		infos, err := mgr.List()
		if err != nil {
			return err
		}

		if len(infos) == 0 {
			fmt.Println("No locks held.")
			return nil
		}

		for _, info := range infos {
			age := info.Age().Round(time.Second)
			line := fmt.Sprintf("%-40s pid=%-7d age=%-10s session=%s", info.Branch, info.PID, age, info.SessionID)
			if info.Age() >= cfg.LockStaleAfter {
				fmt.Println(color.YellowString(line + "  (past staleness threshold)"))
			} else {
				fmt.Println(line)
			}
		}
		return nil
	},
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <branch>",
	Short: "Forcibly release a branch lock",
	Long: `Remove a lock regardless of holder. Intended for operator recovery when a
holder is known dead but inside the staleness window; prefer letting the
engine reclaim stale locks on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lockManager("cli")
		if err := mgr.Release(args[0]); err != nil {
			return err
		}
		fmt.Printf("Released lock for %s\n", args[0])
		return nil
	},
}

// lockManager builds a Manager from the loaded config.
func lockManager(sessionID string) *lock.Manager {
	return lock.NewManager(cfg.LockDir, cfg.LockStaleAfter, cfg.LockRetries, cfg.LockRetrySleep, sessionID, logger.Logger)
}

func init() {
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksReleaseCmd)
	rootCmd.AddCommand(locksCmd)
}
