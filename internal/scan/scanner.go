// Package scan drives one detection cycle: enumerate plugin artifacts, match
// applicable rules, evaluate their checks, and record violations in the
// ledger.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pluginops/guardian/internal/checks"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/rules"
)

// Scanner runs scan cycles over a plugin ecosystem root. The root contains
// one directory per plugin; artifacts inside a plugin are matched by their
// path relative to that plugin (so component selectors like "hooks" refer to
// the plugin's own top-level directories).
type Scanner struct {
	root    string
	store   *rules.Store
	ledger  *ledger.Store
	session string
	logger  *slog.Logger
}

// CycleStats summarizes one scan cycle.
type CycleStats struct {
	RulesLoaded  int
	Plugins      int
	Artifacts    int
	Violations   int
	Recorded     int
	Deduplicated int
	Duration     time.Duration
}

// New creates a Scanner.
func New(root string, store *rules.Store, led *ledger.Store, sessionID string, logger *slog.Logger) *Scanner {
	return &Scanner{root: root, store: store, ledger: led, session: sessionID, logger: logger}
}

// Run executes a single scan cycle. Within the cycle, scan → detect → record
// is strictly sequential per artifact; parallelism across sessions comes from
// running more processes, not goroutines, and the ledger's dedup-on-write
// keeps them from double-recording.
func (s *Scanner) Run(ctx context.Context) (*CycleStats, error) {
	start := time.Now()

	allRules, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	// Compile each rule's checks once per cycle; they are reused across every
	// artifact the rule matches.
	compiled := make(map[string][]checks.Check, len(allRules))
	for _, rule := range allRules {
		cs, err := checks.CompileAll(rule)
		if err != nil {
			s.logger.Warn("skipping rule with uncompilable checks", "rule", rule.ID, "error", err)
			continue
		}
		compiled[rule.ID] = cs
	}

	stats := &CycleStats{RulesLoaded: len(allRules)}

	plugins, err := s.listPlugins()
	if err != nil {
		return nil, err
	}
	stats.Plugins = len(plugins)

	for _, plugin := range plugins {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.scanPlugin(ctx, plugin, allRules, compiled, stats); err != nil {
			return stats, err
		}
	}

	stats.Duration = time.Since(start)
	s.logger.Info("scan cycle complete",
		"plugins", stats.Plugins,
		"artifacts", stats.Artifacts,
		"violations", stats.Violations,
		"recorded", stats.Recorded,
		"deduplicated", stats.Deduplicated,
		"duration", stats.Duration.Round(time.Millisecond))
	return stats, nil
}

func (s *Scanner) listPlugins() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading plugin root %s: %w", s.root, err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		out = append(out, entry.Name())
	}
	return out, nil
}

func (s *Scanner) scanPlugin(ctx context.Context, plugin string, allRules []*rules.Rule, compiled map[string][]checks.Check, stats *CycleStats) error {
	pluginDir := filepath.Join(s.root, plugin)

	return filepath.WalkDir(pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and keep scanning the rest.
			s.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != pluginDir {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(pluginDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		artifact := checks.Artifact{Root: pluginDir, RelPath: rel, Plugin: plugin}
		stats.Artifacts++

		for _, rule := range rules.Match(allRules, rel) {
			for _, check := range compiled[rule.ID] {
				violation, err := check.Evaluate(artifact)
				if err != nil {
					s.logger.Error("check evaluation failed",
						"rule", rule.ID, "check", check.ID(), "artifact", rel, "error", err)
					continue
				}
				if violation == nil {
					continue
				}
				stats.Violations++

				component := topComponent(rel)
				issue, err := s.ledger.Record(ctx, plugin, component, s.session, violation)
				if err != nil {
					return fmt.Errorf("recording issue: %w", err)
				}
				if issue == nil {
					stats.Deduplicated++
					continue
				}
				stats.Recorded++
				s.logger.Info("issue recorded",
					"issue", issue.IssueID,
					"rule", rule.ID,
					"severity", issue.Severity,
					"plugin", plugin,
					"path", rel)
			}
		}
		return nil
	})
}

func topComponent(relPath string) string {
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		return relPath[:i]
	}
	return relPath
}
