package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/daemon"
	"github.com/pluginops/guardian/internal/scan"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background scan daemon",
	Long: `Run scan cycles on a fixed interval (default 5m), maintaining a heartbeat
record in the ledger. Rule-file changes trigger an early cycle. SIGINT or
SIGTERM stops the daemon; an in-flight scan gets a bounded grace period to
finish, and the heartbeat record is removed on clean exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sessionID := uuid.NewString()
		scanner := scan.New(cfg.PluginRoot, ruleStore, led, sessionID, logger.Logger)
		d := daemon.New(cfg, ruleStore, led, scanner, sessionID, logger.Logger)
		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
