package fileops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/notecore/notecore/pkg/errors"
)

// lockMarker is the on-disk lock file payload. Lock markers are the only
// cross-process shared resource; staleness is bounded by the acquirer's
// timeout.
type lockMarker struct {
	OwnerID    string `json:"owner_id"`
	AcquiredAt int64  `json:"acquired_at"` // epoch ms
}

// lockPath returns the marker location for a guarded path
func lockPath(path string) string {
	return path + ".lock"
}

// acquireLock obtains an exclusive lock on path, polling on a fixed interval
// up to timeout. A marker older than timeout is stale and is force-reclaimed;
// an unreadable marker is treated as stale.
func (s *Store) acquireLock(path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.LockTimeout
	}

	marker := lockPath(path)
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			payload, _ := json.Marshal(lockMarker{
				OwnerID:    s.ownerID,
				AcquiredAt: time.Now().UnixMilli(),
			})
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(marker)
				return errors.NewError(errors.ErrCodeStorageWrite, "failed to write lock marker").
					WithComponent("fileops").WithContext("path", path).WithCause(werr)
			}

			s.mu.Lock()
			s.heldLocks[path] = marker
			s.mu.Unlock()
			return nil
		}

		if !os.IsExist(err) {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to create lock marker").
				WithComponent("fileops").WithContext("path", path).WithCause(err)
		}

		// Contended: inspect the holder.
		if s.reclaimIfStale(marker, timeout) {
			continue
		}

		if time.Now().After(deadline) {
			return errors.NewError(errors.ErrCodeLockTimeout,
				fmt.Sprintf("could not acquire lock within %v", timeout)).
				WithComponent("fileops").WithContext("path", path)
		}

		time.Sleep(s.config.LockRetryInterval)
	}
}

// reclaimIfStale removes the marker when its holder has exceeded the timeout
// or the marker does not parse. Returns true when the caller should retry
// immediately.
func (s *Store) reclaimIfStale(marker string, timeout time.Duration) bool {
	data, err := os.ReadFile(marker)
	if err != nil {
		if os.IsNotExist(err) {
			// Holder released between our create attempt and the read.
			return true
		}
		return false
	}

	var m lockMarker
	if err := json.Unmarshal(data, &m); err != nil || m.OwnerID == "" {
		// Corrupted marker: treat as stale.
		s.logger.Warn("Removing corrupted lock marker", map[string]interface{}{"marker": marker})
		_ = os.Remove(marker)
		return true
	}

	age := time.Now().UnixMilli() - m.AcquiredAt
	if age > timeout.Milliseconds() {
		s.logger.Warn("Reclaiming stale lock", map[string]interface{}{
			"marker": marker,
			"owner":  m.OwnerID,
			"age_ms": age,
		})
		_ = os.Remove(marker)
		return true
	}

	return false
}

// releaseLock releases a lock held by this store instance
func (s *Store) releaseLock(path string) {
	s.mu.Lock()
	marker, held := s.heldLocks[path]
	delete(s.heldLocks, path)
	s.mu.Unlock()

	if !held {
		return
	}
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove lock marker", map[string]interface{}{
			"marker": marker,
			"error":  err.Error(),
		})
	}
}

// ReleaseAllLocks releases every lock held by this store instance. Used as an
// emergency sweep during shutdown.
func (s *Store) ReleaseAllLocks() {
	s.mu.Lock()
	markers := make([]string, 0, len(s.heldLocks))
	for _, marker := range s.heldLocks {
		markers = append(markers, marker)
	}
	s.heldLocks = make(map[string]string)
	s.mu.Unlock()

	for _, marker := range markers {
		if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove lock marker", map[string]interface{}{
				"marker": marker,
				"error":  err.Error(),
			})
		}
	}
}

// withLock runs fn while holding the lock on path, releasing on every exit
// path.
func (s *Store) withLock(path string, timeout time.Duration, fn func() error) error {
	if err := s.acquireLock(path, timeout); err != nil {
		return err
	}
	defer s.releaseLock(path)
	return fn()
}

// withLocks locks both paths in sorted order to avoid lock-order inversion
// between concurrent move/copy calls.
func (s *Store) withLocks(a, b string, timeout time.Duration, fn func() error) error {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	return s.withLock(first, timeout, func() error {
		return s.withLock(second, timeout, fn)
	})
}
