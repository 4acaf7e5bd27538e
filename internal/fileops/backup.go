package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/notecore/notecore/pkg/errors"
)

// BackupRecord describes one backup snapshot
type BackupRecord struct {
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
}

// backupDir returns the backup directory for a file's parent directory
func (s *Store) backupDir(path string) string {
	return filepath.Join(filepath.Dir(path), s.config.BackupDirName)
}

// backupName builds the snapshot filename: <name>.<unix-ms>.bak
func backupName(path string, ts time.Time) string {
	return fmt.Sprintf("%s.%d.bak", filepath.Base(path), ts.UnixMilli())
}

// CreateBackup snapshots path into its sibling backup directory and returns
// the record. The source lock is taken so the snapshot is consistent.
func (s *Store) CreateBackup(path string) (*BackupRecord, error) {
	start := time.Now()
	defer s.record(start)

	var rec *BackupRecord
	err := s.withLock(path, 0, func() error {
		var err error
		rec, err = s.createBackupLocked(path)
		return err
	})
	return rec, err
}

// createBackupLocked snapshots path. Caller holds the path lock.
func (s *Store) createBackupLocked(path string) (*BackupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeFileNotFound, "cannot back up a missing file").
				WithComponent("fileops").WithOperation("backup").WithContext("path", path)
		}
		return nil, errors.NewError(errors.ErrCodeBackupFailed, "failed to read file for backup").
			WithComponent("fileops").WithOperation("backup").WithContext("path", path).WithCause(err)
	}

	dir := s.backupDir(path)
	if err := os.MkdirAll(dir, s.config.DirMode); err != nil {
		return nil, errors.NewError(errors.ErrCodeBackupFailed, "failed to create backup directory").
			WithComponent("fileops").WithOperation("backup").WithContext("path", path).WithCause(err)
	}

	now := time.Now()
	backupPath := filepath.Join(dir, backupName(path, now))
	if err := os.WriteFile(backupPath, data, s.config.FileMode); err != nil {
		return nil, errors.NewError(errors.ErrCodeBackupFailed, "failed to write backup").
			WithComponent("fileops").WithOperation("backup").WithContext("path", backupPath).WithCause(err)
	}

	rec := &BackupRecord{
		OriginalPath: path,
		BackupPath:   backupPath,
		Timestamp:    now,
		Size:         int64(len(data)),
		Checksum:     checksumBytes(data),
	}

	s.logger.Debug("Created backup", map[string]interface{}{
		"path":   path,
		"backup": backupPath,
		"size":   rec.Size,
	})
	return rec, nil
}

// ListBackups returns the snapshots for path, newest first
func (s *Store) ListBackups(path string) ([]*BackupRecord, error) {
	dir := s.backupDir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read backup directory").
			WithComponent("fileops").WithOperation("backup").WithContext("path", dir).WithCause(err)
	}

	base := filepath.Base(path)
	var records []*BackupRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseBackupName(entry.Name(), base)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, &BackupRecord{
			OriginalPath: path,
			BackupPath:   filepath.Join(dir, entry.Name()),
			Timestamp:    ts,
			Size:         info.Size(),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// parseBackupName extracts the snapshot timestamp from <base>.<unix-ms>.bak
func parseBackupName(name, base string) (time.Time, bool) {
	prefix := base + "."
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// RestoreFromBackup restores path from a snapshot through the atomic write
// path. A zero timestamp restores the most recent snapshot.
func (s *Store) RestoreFromBackup(path string, timestamp time.Time) error {
	start := time.Now()
	defer s.record(start)

	records, err := s.ListBackups(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.NewError(errors.ErrCodeFileNotFound, "no backups exist for file").
			WithComponent("fileops").WithOperation("restore").WithContext("path", path)
	}

	chosen := records[0]
	if !timestamp.IsZero() {
		chosen = nil
		for _, rec := range records {
			if rec.Timestamp.Equal(timestamp) {
				chosen = rec
				break
			}
		}
		if chosen == nil {
			return errors.NewError(errors.ErrCodeFileNotFound, "no backup at requested timestamp").
				WithComponent("fileops").WithOperation("restore").
				WithContext("path", path).WithContext("timestamp", timestamp.Format(time.RFC3339Nano))
		}
	}

	data, err := os.ReadFile(chosen.BackupPath)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageRead, "failed to read backup").
			WithComponent("fileops").WithOperation("restore").WithContext("path", chosen.BackupPath).WithCause(err)
	}

	return s.withLock(path, 0, func() error {
		return s.atomicSwap(path, data)
	})
}

// CleanupBackups removes snapshots of path older than maxAge and returns how
// many were removed.
func (s *Store) CleanupBackups(path string, maxAge time.Duration) (int, error) {
	records, err := s.ListBackups(path)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, rec := range records {
		if rec.Timestamp.After(cutoff) {
			continue
		}
		if err := os.Remove(rec.BackupPath); err != nil {
			s.logger.Warn("Failed to remove expired backup", map[string]interface{}{
				"backup": rec.BackupPath,
				"error":  err.Error(),
			})
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up backups", map[string]interface{}{
			"path":    path,
			"removed": removed,
		})
	}
	return removed, nil
}
