// Package daemon runs the background scan scheduler: a ticker-driven loop
// that executes scan cycles, maintains a heartbeat liveness record, reacts to
// rule-file changes, and shuts down cleanly on termination signals.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pluginops/guardian/internal/config"
	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/rules"
	"github.com/pluginops/guardian/internal/scan"
)

// Daemon owns one background scan session. Concurrency inside the process is
// limited to the watch goroutine; scanning itself is sequential, and
// cross-process coordination happens entirely through the shared ledger and
// lock directory.
type Daemon struct {
	cfg       *config.Config
	store     *rules.Store
	ledger    *ledger.Store
	scanner   *scan.Scanner
	sessionID string
	logger    *slog.Logger
}

// New creates a daemon for the given session.
func New(cfg *config.Config, store *rules.Store, led *ledger.Store, scanner *scan.Scanner, sessionID string, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     store,
		ledger:    led,
		scanner:   scanner,
		sessionID: sessionID,
		logger:    logger,
	}
}

// Run executes the scan loop until ctx is cancelled (the caller wires ctx to
// SIGINT/SIGTERM). An in-flight scan is given ShutdownGrace to finish before
// being aborted. The heartbeat record is registered on entry, bumped every
// cycle, and removed on clean exit so liveness checks never see a
// stale-but-harmless record.
func (d *Daemon) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	now := time.Now().UTC()
	sess := &ledger.Session{
		SessionID:     d.sessionID,
		Hostname:      hostname,
		PID:           os.Getpid(),
		Status:        "running",
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := d.ledger.RegisterSession(ctx, sess); err != nil {
		return err
	}
	defer func() {
		// Shutdown context: the run ctx is already cancelled by the time we
		// get here.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.ledger.RemoveSession(cleanupCtx, d.sessionID); err != nil {
			d.logger.Error("failed to remove session record", "error", err)
		}
	}()

	// scanCtx outlives ctx by ShutdownGrace so an in-flight scan can finish.
	scanCtx, cancelScan := context.WithCancel(context.Background())
	defer cancelScan()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(d.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			d.logger.Warn("shutdown grace period expired, aborting in-flight scan")
			cancelScan()
		case <-scanCtx.Done():
		}
	}()

	reload := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.watchRules(gctx, reload)
	})

	g.Go(func() error {
		defer cancelScan()
		ticker := time.NewTicker(d.cfg.ScanInterval)
		defer ticker.Stop()

		d.logger.Info("scan daemon started",
			"session", d.sessionID, "pid", os.Getpid(), "interval", d.cfg.ScanInterval)

		// First cycle runs immediately rather than waiting a full interval.
		if err := d.cycle(scanCtx); err != nil {
			return err
		}

		for {
			select {
			case <-gctx.Done():
				d.logger.Info("scan daemon stopping", "session", d.sessionID)
				return nil
			case <-ticker.C:
				if err := d.cycle(scanCtx); err != nil {
					return err
				}
			case <-reload:
				d.logger.Info("rule change detected, scanning early")
				if err := d.cycle(scanCtx); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cycle runs one scan and updates the heartbeat. Scan failures are logged but
// do not kill the daemon; an aborted scan (context cancelled during shutdown)
// ends the loop via the caller.
func (d *Daemon) cycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	if _, err := d.scanner.Run(ctx); err != nil {
		if ctx.Err() != nil {
			d.logger.Warn("scan aborted during shutdown")
			return nil
		}
		d.logger.Error("scan cycle failed", "error", err)
	}

	hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.ledger.Heartbeat(hbCtx, d.sessionID); err != nil {
		d.logger.Error("heartbeat update failed", "error", err)
	}
	if removed, err := d.ledger.CleanupStaleSessions(hbCtx, 3*d.cfg.ScanInterval); err != nil {
		d.logger.Error("stale session cleanup failed", "error", err)
	} else if removed > 0 {
		d.logger.Info("cleaned up stale sessions", "count", removed)
	}
	return nil
}

// watchRules watches the rule tier directories and nudges the scan loop when
// rule files change. Bursts (editor saves, git checkouts) are coalesced
// through a rate limiter so a flurry of writes triggers one early scan, not
// dozens.
func (d *Daemon) watchRules(ctx context.Context, reload chan<- struct{}) error {
	dirs := d.store.Dirs()
	if len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			d.logger.Warn("failed to watch rule directory", "dir", dir, "error", err)
		}
	}

	limiter := rate.NewLimiter(rate.Every(30*time.Second), 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !limiter.Allow() {
				continue
			}
			select {
			case reload <- struct{}{}:
			default:
				// A reload is already queued.
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("rule watcher error", "error", err)
		}
	}
}
