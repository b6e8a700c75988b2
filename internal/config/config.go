package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration. It is built once at process startup
// (file, then environment overrides) and passed explicitly to each component;
// nothing below the entry points reads the environment.
type Config struct {
	// PluginRoot is the root directory of the plugin ecosystem being scanned.
	PluginRoot string `yaml:"plugin_root"`

	// RuleDirs maps provenance tiers to rule directories. Missing entries
	// default to <PluginRoot>/.guardian/rules/<tier>.
	RuleDirs RuleDirs `yaml:"rule_dirs"`

	// DBPath is the SQLite ledger path. Default: <PluginRoot>/.guardian/guardian.db
	DBPath string `yaml:"db_path"`

	// LockDir holds branch lock directories. Default: <PluginRoot>/.guardian/locks
	LockDir string `yaml:"lock_dir"`

	// ScanInterval is the daemon tick interval. Default: 5m.
	ScanInterval time.Duration `yaml:"-"`

	// LockStaleAfter is the age past which a lock with a dead holder may be
	// reclaimed. Default: 10m.
	LockStaleAfter time.Duration `yaml:"-"`

	// LockRetries and LockRetrySleep bound lock acquisition. Contended
	// acquisition fails after LockRetries attempts; it never blocks
	// indefinitely.
	LockRetries    int           `yaml:"lock_retries"`
	LockRetrySleep time.Duration `yaml:"-"`

	// ShutdownGrace bounds how long an in-flight scan may run after the
	// daemon receives a termination signal. Default: 30s.
	ShutdownGrace time.Duration `yaml:"-"`

	// CriticMinScore is the minimum critic score required before a proposed
	// fix may be committed. Default: 70.
	CriticMinScore int `yaml:"critic_min_score"`

	// StaleIssueWindow is the age past which a pending issue counts against
	// the health score. Default: 7 days.
	StaleIssueWindow time.Duration `yaml:"-"`

	// HealthyScore is the conventional "healthy" threshold. Display only;
	// the engine never gates on it.
	HealthyScore int `yaml:"healthy_score"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFile, if set, duplicates logs to a JSON file.
	LogFile string `yaml:"log_file"`

	// AnthropicModel selects the model for the built-in fixer/critic
	// collaborators. Empty disables them (callers must supply their own).
	AnthropicModel string `yaml:"anthropic_model"`
}

// RuleDirs maps provenance tiers to directories.
type RuleDirs struct {
	Core     string `yaml:"core"`
	Learned  string `yaml:"learned"`
	External string `yaml:"external"`
}

// yamlConfig mirrors Config for the fields whose YAML form is a duration
// string (e.g. "300s", "5m").
type yamlConfig struct {
	Config           `yaml:",inline"`
	ScanInterval     string `yaml:"scan_interval"`
	LockStaleAfter   string `yaml:"lock_stale_after"`
	LockRetrySleep   string `yaml:"lock_retry_sleep"`
	ShutdownGrace    string `yaml:"shutdown_grace"`
	StaleIssueWindow string `yaml:"stale_issue_window"`
}

// Default returns the configuration defaults for the given plugin root.
func Default(pluginRoot string) *Config {
	stateDir := filepath.Join(pluginRoot, ".guardian")
	return &Config{
		PluginRoot: pluginRoot,
		RuleDirs: RuleDirs{
			Core:     filepath.Join(stateDir, "rules", "core"),
			Learned:  filepath.Join(stateDir, "rules", "learned"),
			External: filepath.Join(stateDir, "rules", "external"),
		},
		DBPath:           filepath.Join(stateDir, "guardian.db"),
		LockDir:          filepath.Join(stateDir, "locks"),
		ScanInterval:     5 * time.Minute,
		LockStaleAfter:   10 * time.Minute,
		LockRetries:      3,
		LockRetrySleep:   200 * time.Millisecond,
		ShutdownGrace:    30 * time.Second,
		CriticMinScore:   70,
		StaleIssueWindow: 7 * 24 * time.Hour,
		HealthyScore:     70,
		LogLevel:         "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if it exists), then GUARDIAN_* environment overrides. The result is
// immutable by convention — components receive it by pointer and never write
// to it.
func Load(path, pluginRoot string) (*Config, error) {
	cfg := Default(pluginRoot)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else {
			var yc yamlConfig
			yc.Config = *cfg
			if err := yaml.Unmarshal(data, &yc); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			*cfg = yc.Config
			for _, d := range []struct {
				raw  string
				dst  *time.Duration
				name string
			}{
				{yc.ScanInterval, &cfg.ScanInterval, "scan_interval"},
				{yc.LockStaleAfter, &cfg.LockStaleAfter, "lock_stale_after"},
				{yc.LockRetrySleep, &cfg.LockRetrySleep, "lock_retry_sleep"},
				{yc.ShutdownGrace, &cfg.ShutdownGrace, "shutdown_grace"},
				{yc.StaleIssueWindow, &cfg.StaleIssueWindow, "stale_issue_window"},
			} {
				if d.raw == "" {
					continue
				}
				dur, err := time.ParseDuration(d.raw)
				if err != nil {
					return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
				}
				*d.dst = dur
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies GUARDIAN_* overrides. This is the only place the engine
// touches the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GUARDIAN_SCAN_INTERVAL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.ScanInterval = dur
		}
	}
	if v := os.Getenv("GUARDIAN_LOCK_STALE_AFTER"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.LockStaleAfter = dur
		}
	}
	if v := os.Getenv("GUARDIAN_CRITIC_MIN_SCORE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CriticMinScore = n
		}
	}
	if v := os.Getenv("GUARDIAN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GUARDIAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GUARDIAN_ANTHROPIC_MODEL"); v != "" {
		cfg.AnthropicModel = v
	}
}

// Validate rejects configurations that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.PluginRoot == "" {
		return fmt.Errorf("plugin_root is required")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval)
	}
	if c.LockStaleAfter <= 0 {
		return fmt.Errorf("lock_stale_after must be positive, got %s", c.LockStaleAfter)
	}
	if c.LockRetries < 1 {
		return fmt.Errorf("lock_retries must be at least 1, got %d", c.LockRetries)
	}
	if c.CriticMinScore < 0 || c.CriticMinScore > 100 {
		return fmt.Errorf("critic_min_score must be in [0,100], got %d", c.CriticMinScore)
	}
	return nil
}

// RuleDirByTier returns the directory for a provenance tier, or "" for an
// unknown tier.
func (c *Config) RuleDirByTier(tier string) string {
	switch tier {
	case "core":
		return c.RuleDirs.Core
	case "learned":
		return c.RuleDirs.Learned
	case "external":
		return c.RuleDirs.External
	default:
		return ""
	}
}
