package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pluginops/guardian/internal/logging"
)

func newManager(t *testing.T, dir string, staleAfter time.Duration, retries int) *Manager {
	t.Helper()
	return NewManager(dir, staleAfter, retries, 10*time.Millisecond, "test-session", logging.Discard().Logger)
}

func TestAcquireRelease(t *testing.T) {
	m := newManager(t, t.TempDir(), time.Hour, 1)

	if err := m.Acquire("debug/demo/fix"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	info, err := m.Inspect("debug/demo/fix")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if info == nil {
		t.Fatal("expected lock to be held")
	}
	if info.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.SessionID != "test-session" {
		t.Errorf("holder session = %q, want test-session", info.SessionID)
	}

	if err := m.Release("debug/demo/fix"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	info, err = m.Inspect("debug/demo/fix")
	if err != nil {
		t.Fatalf("Inspect after release failed: %v", err)
	}
	if info != nil {
		t.Error("expected lock to be gone after release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newManager(t, t.TempDir(), time.Hour, 1)
	if err := m.Release("debug/demo/never-held"); err != nil {
		t.Errorf("releasing an unheld lock must succeed: %v", err)
	}
}

func TestSecondAcquireFailsWithErrLockHeld(t *testing.T) {
	dir := t.TempDir()
	first := newManager(t, dir, time.Hour, 1)
	second := newManager(t, dir, time.Hour, 1)

	if err := first.Acquire("debug/demo/fix"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	err := second.Acquire("debug/demo/fix")
	if err == nil {
		t.Fatal("second Acquire must fail while the lock is held")
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("error = %v, want ErrLockHeld in the chain", err)
	}
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	dir := t.TempDir()
	const contenders = 8

	var wg sync.WaitGroup
	wins := make(chan int, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := newManager(t, dir, time.Hour, 1)
			if err := m.Acquire("debug/demo/fix"); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("%d contenders won the lock, want exactly 1", count)
	}
}

func TestStaleDeadHolderIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, time.Minute, 1)

	// Forge a lock held by a long-gone pid, acquired well past the
	// staleness threshold.
	plantLock(t, dir, "debug/demo/fix", 99999999, time.Now().Add(-time.Hour))

	if err := m.Acquire("debug/demo/fix"); err != nil {
		t.Fatalf("expected stale dead-holder lock to be reclaimed: %v", err)
	}

	info, err := m.Inspect("debug/demo/fix")
	if err != nil || info == nil {
		t.Fatalf("Inspect after reclaim: info=%v err=%v", info, err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("reclaimed lock holder pid = %d, want %d", info.PID, os.Getpid())
	}
}

func TestLiveHolderIsNeverReclaimed(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, time.Minute, 2)

	// The holder pid is this very process: old, but demonstrably alive.
	plantLock(t, dir, "debug/demo/fix", os.Getpid(), time.Now().Add(-24*time.Hour))

	err := m.Acquire("debug/demo/fix")
	if err == nil {
		t.Fatal("a lock with a live holder must never be reclaimed")
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("error = %v, want ErrLockHeld in the chain", err)
	}
}

func TestFreshLockIsNotReclaimedEvenIfHolderDead(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, time.Hour, 1)

	plantLock(t, dir, "debug/demo/fix", 99999999, time.Now())

	if err := m.Acquire("debug/demo/fix"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("a lock younger than the staleness threshold must not be reclaimed, got %v", err)
	}
}

func TestListDecodesBranchNames(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, time.Hour, 1)

	if err := m.Acquire("debug/demo/missing-frontmatter"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	locks, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected 1 lock, got %d", len(locks))
	}
	if locks[0].Branch != "debug/demo/missing-frontmatter" {
		t.Errorf("branch = %q, want slashes restored", locks[0].Branch)
	}
}

func TestConcurrentStaleReclaimExactlyOneWins(t *testing.T) {
	dir := t.TempDir()
	plantLock(t, dir, "debug/demo/fix", 99999999, time.Now().Add(-time.Hour))

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newManager(t, dir, time.Minute, 1)
			if err := m.Acquire("debug/demo/fix"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("%d reclaimers won the stale lock, want exactly 1", count)
	}

	// The winner's lock must be intact, with its own metadata.
	m := newManager(t, dir, time.Minute, 1)
	info, err := m.Inspect("debug/demo/fix")
	if err != nil || info == nil {
		t.Fatalf("Inspect after reclaim race: info=%v err=%v", info, err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", info.PID, os.Getpid())
	}
}

func TestListIgnoresReclaimRemnants(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, time.Hour, 1)

	if err := m.Acquire("debug/demo/fix"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// A remnant left behind by a reclaimer that crashed mid-removal.
	if err := os.MkdirAll(filepath.Join(dir, "debug__old__fix.reclaim.1234.5678"), 0o755); err != nil {
		t.Fatal(err)
	}

	locks, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(locks) != 1 || locks[0].Branch != "debug/demo/fix" {
		t.Errorf("unexpected lock listing: %+v", locks)
	}
}

func TestBranchEncoding(t *testing.T) {
	branches := []string{
		"debug/demo/fix",
		"debug/demo/double__underscore",
		"debug/snake_case_plugin/fix_slug",
		"guardian/confidence-2026-08-28",
	}
	for _, branch := range branches {
		enc := encodeBranch(branch)
		if strings.ContainsRune(enc, '/') {
			t.Errorf("encodeBranch(%q) = %q still contains a slash", branch, enc)
		}
		if got := decodeBranch(enc); got != branch {
			t.Errorf("round-trip of %q: encoded %q, decoded %q", branch, enc, got)
		}
	}

	if enc := encodeBranch("debug/demo/fix"); enc != "debug__demo__fix" {
		t.Errorf("encodeBranch = %q", enc)
	}
}

// plantLock writes a lock directory as another process would have left it.
func plantLock(t *testing.T, dir, branch string, pid int, acquiredAt time.Time) {
	t.Helper()
	path := filepath.Join(dir, encodeBranch(branch))
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("failed to plant lock: %v", err)
	}
	files := map[string]string{
		"pid":         strconv.Itoa(pid),
		"session":     "other-session",
		"acquired_at": acquiredAt.UTC().Format(time.RFC3339Nano),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(path, name), []byte(content+"\n"), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}
