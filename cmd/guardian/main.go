package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pluginops/guardian/internal/config"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/logging"
	"github.com/pluginops/guardian/internal/rules"
)

// Shared state opened once in PersistentPreRunE and used by every command.
var (
	cfg       *config.Config
	logger    *logging.Logger
	led       *ledger.Store
	ruleStore *rules.Store

	configPath string
	pluginRoot string
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Self-monitoring health engine for a plugin ecosystem",
	Long: `Guardian periodically inspects declarative plugin artifacts (manifests,
hooks, agent descriptors), detects structural defects against a rule set,
records deduplicated issues, and coordinates validated fixes onto isolated
debug branches. A learning loop recalibrates rule confidence from observed
approval outcomes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		root := pluginRoot
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to determine working directory: %w", err)
			}
			root = wd
		}

		path := configPath
		if path == "" {
			path = filepath.Join(root, ".guardian", "guardian.yaml")
		}

		var err error
		cfg, err = config.Load(path, root)
		if err != nil {
			return err
		}

		logger, err = logging.New(logging.Options{
			Level:    cfg.LogLevel,
			FilePath: cfg.LogFile,
			Service:  "guardian",
		})
		if err != nil {
			return err
		}

		led, err = ledger.Open(cfg.DBPath)
		if err != nil {
			return err
		}

		ruleStore = rules.NewStore(cfg.RuleDirs.Core, cfg.RuleDirs.Learned, cfg.RuleDirs.External, logger.Logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if led != nil {
			_ = led.Close()
		}
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to guardian.yaml (default: <root>/.guardian/guardian.yaml)")
	rootCmd.PersistentFlags().StringVar(&pluginRoot, "root", "", "plugin ecosystem root (default: current directory)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
