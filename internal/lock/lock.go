// Package lock provides named advisory locks keyed by branch name.
//
// The mutual-exclusion primitive is os.Mkdir, which is atomic on POSIX
// filesystems: exactly one of any number of racing processes creates the
// directory. Holder metadata (pid, session, acquisition time) lives in small
// files inside the lock directory so operators can inspect a stuck lock with
// plain ls/cat. This is a single-host mechanism by design; it is not a
// distributed lock service.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLockHeld is returned when the lock is genuinely held by a live process
// (or one we cannot prove dead). Callers must retry later or abort; they must
// never proceed without the lock.
var ErrLockHeld = errors.New("lock held by another process")

// Manager acquires and releases branch locks under a single lock directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	retries    int
	retrySleep time.Duration
	sessionID  string
	logger     *slog.Logger
}

// Info describes a lock's holder, for inspection and staleness decisions.
type Info struct {
	Branch     string    `json:"branch"`
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held.
func (i *Info) Age() time.Duration {
	return time.Since(i.AcquiredAt)
}

// NewManager creates a lock manager. staleAfter is the minimum age before a
// lock is even considered for reclamation; retries and retrySleep bound how
// long Acquire will contend before failing.
func NewManager(dir string, staleAfter time.Duration, retries int, retrySleep time.Duration, sessionID string, logger *slog.Logger) *Manager {
	return &Manager{
		dir:        dir,
		staleAfter: staleAfter,
		retries:    retries,
		retrySleep: retrySleep,
		sessionID:  sessionID,
		logger:     logger,
	}
}

// Acquire takes the lock for branch, retrying a bounded number of times.
// A lock past the staleness threshold is reclaimed only when its recorded
// holder pid is verifiably not running; a live holder is never evicted, no
// matter how old the lock is.
func (m *Manager) Acquire(branch string) error {
	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(m.retrySleep)
		}
		err := m.tryAcquire(branch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
	}
	return fmt.Errorf("failed to acquire lock for %s after %d attempts: %w", branch, m.retries, lastErr)
}

func (m *Manager) tryAcquire(branch string) error {
	path := m.lockPath(branch)
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock root: %w", err)
	}

	err := os.Mkdir(path, 0o755)
	if err == nil {
		return m.writeHolder(path, branch)
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	// Contended. Decide whether the existing holder is stale.
	info, infoErr := m.readHolder(path, branch)
	if infoErr != nil {
		// Lock directory exists but metadata is unreadable — likely a
		// half-written lock from a crashed holder. Treat its mtime as the
		// acquisition time and fall through to the staleness logic.
		fi, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return ErrLockHeld // released between Mkdir and Stat; caller retries
			}
			return fmt.Errorf("failed to inspect lock %s: %w", branch, statErr)
		}
		info = &Info{Branch: branch, AcquiredAt: fi.ModTime()}
	}

	if info.Age() < m.staleAfter {
		return ErrLockHeld
	}
	if info.PID > 0 && processAlive(info.PID) {
		// Old but its holder is alive. Never reclaim a live holder.
		return ErrLockHeld
	}

	m.logger.Warn("reclaiming stale lock",
		"branch", branch, "pid", info.PID, "age", info.Age().Round(time.Second))

	// Steal atomically: rename the stale directory to a unique name before
	// destroying it. Of several racing reclaimers exactly one rename
	// succeeds, so a loser can never delete the winner's freshly acquired
	// lock out from under it.
	stolen := fmt.Sprintf("%s.reclaim.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, stolen); err != nil {
		if os.IsNotExist(err) {
			return ErrLockHeld // another reclaimer won; caller retries
		}
		return fmt.Errorf("failed to reclaim stale lock %s: %w", branch, err)
	}
	if err := os.RemoveAll(stolen); err != nil {
		m.logger.Warn("failed to remove reclaimed lock remnant", "path", stolen, "error", err)
	}

	// Retry the atomic create exactly once; another reclaimer may win.
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return m.writeHolder(path, branch)
}

// Release destroys the lock directory. Idempotent if the lock is already
// gone.
func (m *Manager) Release(branch string) error {
	path := m.lockPath(branch)
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", branch, err)
	}
	return nil
}

// Inspect reads holder metadata without contending for the lock. Returns nil
// if the branch is unlocked.
func (m *Manager) Inspect(branch string) (*Info, error) {
	path := m.lockPath(branch)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat lock %s: %w", branch, err)
	}
	return m.readHolder(path, branch)
}

// List returns holder info for every lock currently present.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var out []*Info
	for _, entry := range entries {
		if !entry.IsDir() || strings.Contains(entry.Name(), ".reclaim.") {
			continue
		}
		branch := decodeBranch(entry.Name())
		info, err := m.readHolder(filepath.Join(m.dir, entry.Name()), branch)
		if err != nil {
			m.logger.Warn("unreadable lock metadata", "branch", branch, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *Manager) writeHolder(path, branch string) error {
	files := map[string]string{
		"pid":         strconv.Itoa(os.Getpid()),
		"session":     m.sessionID,
		"acquired_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(path, name), []byte(content+"\n"), 0o644); err != nil {
			// Don't leave a metadata-less lock behind on our own failure.
			_ = os.RemoveAll(path)
			return fmt.Errorf("failed to write lock metadata for %s: %w", branch, err)
		}
	}
	return nil
}

func (m *Manager) readHolder(path, branch string) (*Info, error) {
	pidRaw, err := os.ReadFile(filepath.Join(path, "pid"))
	if err != nil {
		return nil, fmt.Errorf("reading pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidRaw)))
	if err != nil {
		return nil, fmt.Errorf("parsing pid: %w", err)
	}

	session := ""
	if raw, err := os.ReadFile(filepath.Join(path, "session")); err == nil {
		session = strings.TrimSpace(string(raw))
	}

	acquiredRaw, err := os.ReadFile(filepath.Join(path, "acquired_at"))
	if err != nil {
		return nil, fmt.Errorf("reading acquired_at: %w", err)
	}
	acquired, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(acquiredRaw)))
	if err != nil {
		return nil, fmt.Errorf("parsing acquired_at: %w", err)
	}

	return &Info{Branch: branch, PID: pid, SessionID: session, AcquiredAt: acquired}, nil
}

// lockPath maps a branch name like "debug/plugin/slug" to a flat directory
// name; slashes are not valid in a single path element.
func (m *Manager) lockPath(branch string) string {
	return filepath.Join(m.dir, encodeBranch(branch))
}

// encodeBranch escapes literal underscores before mapping slashes, so a
// branch name that itself contains "__" still round-trips through List.
func encodeBranch(branch string) string {
	branch = strings.ReplaceAll(branch, "_", "_0")
	return strings.ReplaceAll(branch, "/", "__")
}

func decodeBranch(name string) string {
	name = strings.ReplaceAll(name, "__", "/")
	return strings.ReplaceAll(name, "_0", "_")
}

// processAlive reports whether pid is running, using signal 0. EPERM means
// the process exists but belongs to someone else; when we cannot verify
// death, we assume the holder is alive.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
