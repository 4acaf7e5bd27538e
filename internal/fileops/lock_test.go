package fileops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/notecore/notecore/pkg/errors"
)

func writeMarker(t *testing.T, path string, m lockMarker) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	if err := os.WriteFile(lockPath(path), data, 0600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

// TestAcquireAndRelease tests the basic lock lifecycle
func TestAcquireAndRelease(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "x.txt")

	if err := s.acquireLock(path, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := os.Stat(lockPath(path)); err != nil {
		t.Fatalf("expected a lock marker on disk: %v", err)
	}

	s.releaseLock(path)
	if _, err := os.Stat(lockPath(path)); !os.IsNotExist(err) {
		t.Error("expected the marker to be removed on release")
	}
}

// TestStaleLockReclaim tests that a holder exceeding the timeout loses the
// lock to the next acquirer
func TestStaleLockReclaim(t *testing.T) {
	config := DefaultConfig()
	config.LockTimeout = 200 * time.Millisecond
	config.LockRetryInterval = 10 * time.Millisecond
	s := New(config)

	path := filepath.Join(t.TempDir(), "x.txt")
	writeMarker(t, path, lockMarker{
		OwnerID:    "dead-process",
		AcquiredAt: time.Now().Add(-time.Second).UnixMilli(),
	})

	start := time.Now()
	if err := s.acquireLock(path, 0); err != nil {
		t.Fatalf("expected stale reclaim to succeed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > config.LockTimeout {
		t.Errorf("reclaim took %v, should not wait out the full timeout", elapsed)
	}
	s.releaseLock(path)
}

// TestCorruptedMarkerTreatedStale tests that an unparseable marker is removed
func TestCorruptedMarkerTreatedStale(t *testing.T) {
	config := DefaultConfig()
	config.LockTimeout = 200 * time.Millisecond
	config.LockRetryInterval = 10 * time.Millisecond
	s := New(config)

	path := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(lockPath(path), []byte("not json"), 0600); err != nil {
		t.Fatalf("write corrupted marker: %v", err)
	}

	if err := s.acquireLock(path, 0); err != nil {
		t.Fatalf("expected corrupted marker to be reclaimed: %v", err)
	}
	s.releaseLock(path)
}

// TestLockTimeout tests that a live contender forces a timeout error
func TestLockTimeout(t *testing.T) {
	config := DefaultConfig()
	config.LockTimeout = 150 * time.Millisecond
	config.LockRetryInterval = 10 * time.Millisecond
	s := New(config)

	path := filepath.Join(t.TempDir(), "x.txt")
	// A marker that never goes stale within the test window.
	writeMarker(t, path, lockMarker{
		OwnerID:    "live-holder",
		AcquiredAt: time.Now().Add(10 * time.Second).UnixMilli(),
	})

	err := s.acquireLock(path, 0)
	if !errors.IsCode(err, errors.ErrCodeLockTimeout) {
		t.Errorf("expected LOCK_TIMEOUT, got %v", err)
	}
}

// TestStaleReclaimViaWrite tests the full scenario through WriteFile: a lock
// held past the timeout does not block a second caller indefinitely
func TestStaleReclaimViaWrite(t *testing.T) {
	config := DefaultConfig()
	config.LockTimeout = 150 * time.Millisecond
	config.LockRetryInterval = 10 * time.Millisecond

	holder := New(config)
	contender := New(config)

	path := filepath.Join(t.TempDir(), "x.txt")
	if err := holder.acquireLock(path, 0); err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}
	// Holder never releases. Let its marker age past the timeout.
	time.Sleep(200 * time.Millisecond)

	if err := contender.WriteFile(path, []byte("reclaimed"), WriteOptions{}); err != nil {
		t.Fatalf("expected contender to reclaim and write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "reclaimed" {
		t.Errorf("expected reclaimed content, got %q (%v)", got, err)
	}
}

// TestReleaseAllLocks tests the shutdown sweep
func TestReleaseAllLocks(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	paths := []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "b.txt"),
	}
	for _, p := range paths {
		if err := s.acquireLock(p, 0); err != nil {
			t.Fatalf("acquire %s failed: %v", p, err)
		}
	}

	s.ReleaseAllLocks()

	for _, p := range paths {
		if _, err := os.Stat(lockPath(p)); !os.IsNotExist(err) {
			t.Errorf("expected marker for %s to be swept", p)
		}
	}
}

// TestWithLocksOrdering tests that double locking does not deadlock when
// callers disagree on path order
func TestWithLocksOrdering(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")

	done := make(chan error, 2)
	go func() {
		done <- s.withLocks(a, b, 0, func() error { return nil })
	}()
	go func() {
		done <- s.withLocks(b, a, 0, func() error { return nil })
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("withLocks failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("withLocks deadlocked")
		}
	}
}
