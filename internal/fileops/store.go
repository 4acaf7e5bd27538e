// Package fileops implements the atomic file store: lock-guarded, crash-safe
// file operations with write-then-rename swaps, backup-before-overwrite, and
// checksum verification.
package fileops

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notecore/notecore/pkg/errors"
	"github.com/notecore/notecore/pkg/utils"
)

// Recorder receives file operation timings. Satisfied by the performance
// monitor.
type Recorder interface {
	RecordRequest(duration time.Duration)
}

// Config represents file store configuration
type Config struct {
	// LockTimeout bounds lock acquisition and doubles as the staleness
	// threshold for abandoned markers.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// LockRetryInterval is the fixed polling interval under contention.
	LockRetryInterval time.Duration `yaml:"lock_retry_interval"`

	// BackupDirName is the per-directory backup subdirectory.
	BackupDirName string `yaml:"backup_dir_name"`

	FileMode os.FileMode `yaml:"file_mode"`
	DirMode  os.FileMode `yaml:"dir_mode"`

	Logger   *utils.StructuredLogger `yaml:"-"`
	Recorder Recorder                `yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LockTimeout:       5 * time.Second,
		LockRetryInterval: 25 * time.Millisecond,
		BackupDirName:     ".backups",
		FileMode:          0644,
		DirMode:           0750,
	}
}

// WriteOptions controls WriteFile behavior
type WriteOptions struct {
	// Backup snapshots an existing file before overwrite. Backup failure is
	// logged and does not abort the write unless RequireBackup is set.
	Backup        bool
	RequireBackup bool

	// Compress gzips the payload before writing.
	Compress bool

	// CreateDirs creates missing parent directories.
	CreateDirs bool

	// LockTimeout overrides the configured default when positive.
	LockTimeout time.Duration
}

// ReadOptions controls ReadFile behavior
type ReadOptions struct {
	// Decompress gunzips the file content after reading.
	Decompress bool

	LockTimeout time.Duration
}

// DeleteOptions controls DeleteFile behavior
type DeleteOptions struct {
	// Backup snapshots the file before removal.
	Backup bool

	LockTimeout time.Duration
}

// TransferOptions controls MoveFile and CopyFile behavior
type TransferOptions struct {
	// Backup snapshots an existing target before overwrite.
	Backup bool

	CreateDirs  bool
	LockTimeout time.Duration
}

// FileStats describes a file on disk
type FileStats struct {
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	Mode     os.FileMode `json:"mode"`
	ModTime  time.Time   `json:"mod_time"`
	Checksum string      `json:"checksum"`
}

// Store is the atomic file store. Each instance has a distinct lock owner
// identity; locks it holds are tracked for the shutdown sweep.
type Store struct {
	mu        sync.Mutex
	config    *Config
	logger    *utils.StructuredLogger
	ownerID   string
	heldLocks map[string]string // guarded path -> marker path
}

// New creates an atomic file store
func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 5 * time.Second
	}
	if config.LockRetryInterval <= 0 {
		config.LockRetryInterval = 25 * time.Millisecond
	}
	if config.BackupDirName == "" {
		config.BackupDirName = ".backups"
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}
	if config.DirMode == 0 {
		config.DirMode = 0750
	}

	return &Store{
		config:    config,
		logger:    config.Logger.WithComponent("fileops"),
		ownerID:   uuid.NewString(),
		heldLocks: make(map[string]string),
	}
}

// OwnerID returns this instance's lock owner identity
func (s *Store) OwnerID() string {
	return s.ownerID
}

// WriteFile atomically replaces path with data. The payload is written to a
// temp file, re-read to verify its byte length, and swapped in via rename so
// no partially-written file is ever visible under path.
func (s *Store) WriteFile(path string, data []byte, opts WriteOptions) error {
	start := time.Now()
	defer s.record(start)

	if err := utils.ValidatePath(path, true); err != nil {
		return errors.NewError(errors.ErrCodePathInvalid, err.Error()).
			WithComponent("fileops").WithOperation("write")
	}

	return s.withLock(path, opts.LockTimeout, func() error {
		if opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), s.config.DirMode); err != nil {
				return errors.NewError(errors.ErrCodeStorageWrite, "failed to create directories").
					WithComponent("fileops").WithOperation("write").WithContext("path", path).WithCause(err)
			}
		}

		if opts.Backup {
			if _, err := os.Stat(path); err == nil {
				if _, err := s.createBackupLocked(path); err != nil {
					if opts.RequireBackup {
						return err
					}
					s.logger.Warn("Backup before overwrite failed", map[string]interface{}{
						"path":  path,
						"error": err.Error(),
					})
				}
			}
		}

		payload := data
		if opts.Compress {
			packed, err := gzipBytes(data)
			if err != nil {
				return errors.NewError(errors.ErrCodeStorageWrite, "failed to compress payload").
					WithComponent("fileops").WithOperation("write").WithContext("path", path).WithCause(err)
			}
			payload = packed
		}

		return s.atomicSwap(path, payload)
	})
}

// atomicSwap writes payload to path+".tmp", verifies it, and renames it over
// path. A verification failure aborts the swap and removes the temp file.
func (s *Store) atomicSwap(path string, payload []byte) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, payload, s.config.FileMode); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to write temp file").
			WithComponent("fileops").WithOperation("write").WithContext("path", path).WithCause(err)
	}

	written, err := os.ReadFile(tmpPath)
	if err != nil || len(written) != len(payload) {
		_ = os.Remove(tmpPath)
		verr := errors.NewError(errors.ErrCodeWriteVerify,
			fmt.Sprintf("write verification failed: wrote %d bytes, read back %d", len(payload), len(written))).
			WithComponent("fileops").WithOperation("write").WithContext("path", path)
		if err != nil {
			verr = verr.WithCause(err)
		}
		return verr
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to swap temp file into place").
			WithComponent("fileops").WithOperation("write").WithContext("path", path).WithCause(err)
	}

	return nil
}

// ReadFile reads a file under the path lock, so a write in progress by
// another holder is never observed mid-swap.
func (s *Store) ReadFile(path string, opts ReadOptions) ([]byte, error) {
	start := time.Now()
	defer s.record(start)

	var data []byte
	err := s.withLock(path, opts.LockTimeout, func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewError(errors.ErrCodeFileNotFound, "file does not exist").
					WithComponent("fileops").WithOperation("read").WithContext("path", path).WithCause(err)
			}
			return errors.NewError(errors.ErrCodeStorageRead, "failed to read file").
				WithComponent("fileops").WithOperation("read").WithContext("path", path).WithCause(err)
		}

		if opts.Decompress {
			raw, err = gunzipBytes(raw)
			if err != nil {
				return errors.NewError(errors.ErrCodeStorageRead, "failed to decompress file").
					WithComponent("fileops").WithOperation("read").WithContext("path", path).WithCause(err)
			}
		}

		data = raw
		return nil
	})
	return data, err
}

// AppendFile appends data to path under the lock, creating the file if
// missing.
func (s *Store) AppendFile(path string, data []byte, opts WriteOptions) error {
	start := time.Now()
	defer s.record(start)

	return s.withLock(path, opts.LockTimeout, func() error {
		if opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), s.config.DirMode); err != nil {
				return errors.NewError(errors.ErrCodeStorageWrite, "failed to create directories").
					WithComponent("fileops").WithOperation("append").WithContext("path", path).WithCause(err)
			}
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.config.FileMode)
		if err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to open file for append").
				WithComponent("fileops").WithOperation("append").WithContext("path", path).WithCause(err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to append").
				WithComponent("fileops").WithOperation("append").WithContext("path", path).WithCause(werr)
		}
		if cerr != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to close after append").
				WithComponent("fileops").WithOperation("append").WithContext("path", path).WithCause(cerr)
		}
		return nil
	})
}

// DeleteFile removes a file, optionally snapshotting it first
func (s *Store) DeleteFile(path string, opts DeleteOptions) error {
	start := time.Now()
	defer s.record(start)

	return s.withLock(path, opts.LockTimeout, func() error {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return errors.NewError(errors.ErrCodeFileNotFound, "file does not exist").
					WithComponent("fileops").WithOperation("delete").WithContext("path", path)
			}
			return errors.NewError(errors.ErrCodeStorageRead, "failed to stat file").
				WithComponent("fileops").WithOperation("delete").WithContext("path", path).WithCause(err)
		}

		if opts.Backup {
			if _, err := s.createBackupLocked(path); err != nil {
				s.logger.Warn("Backup before delete failed", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
			}
		}

		if err := os.Remove(path); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to delete file").
				WithComponent("fileops").WithOperation("delete").WithContext("path", path).WithCause(err)
		}
		return nil
	})
}

// MoveFile moves src to dst with both paths locked. An existing target is
// backed up before overwrite when requested.
func (s *Store) MoveFile(src, dst string, opts TransferOptions) error {
	start := time.Now()
	defer s.record(start)

	return s.withLocks(src, dst, opts.LockTimeout, func() error {
		if err := s.prepareTarget(dst, opts); err != nil {
			return err
		}

		if err := os.Rename(src, dst); err == nil {
			return nil
		}

		// Rename fails across filesystems; fall back to copy-then-delete.
		if err := s.copyContents(src, dst); err != nil {
			return err
		}
		if err := os.Remove(src); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to remove source after copy").
				WithComponent("fileops").WithOperation("move").WithContext("path", src).WithCause(err)
		}
		return nil
	})
}

// CopyFile copies src to dst with both paths locked
func (s *Store) CopyFile(src, dst string, opts TransferOptions) error {
	start := time.Now()
	defer s.record(start)

	return s.withLocks(src, dst, opts.LockTimeout, func() error {
		if err := s.prepareTarget(dst, opts); err != nil {
			return err
		}
		return s.copyContents(src, dst)
	})
}

// prepareTarget creates target directories and backs up an existing target.
// Caller holds the locks.
func (s *Store) prepareTarget(dst string, opts TransferOptions) error {
	if opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(dst), s.config.DirMode); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to create directories").
				WithComponent("fileops").WithContext("path", dst).WithCause(err)
		}
	}

	if opts.Backup {
		if _, err := os.Stat(dst); err == nil {
			if _, err := s.createBackupLocked(dst); err != nil {
				s.logger.Warn("Backup before overwrite failed", map[string]interface{}{
					"path":  dst,
					"error": err.Error(),
				})
			}
		}
	}
	return nil
}

// copyContents copies file bytes through the atomic swap path so the target
// never holds partial content.
func (s *Store) copyContents(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewError(errors.ErrCodeFileNotFound, "source does not exist").
				WithComponent("fileops").WithOperation("copy").WithContext("path", src).WithCause(err)
		}
		return errors.NewError(errors.ErrCodeStorageRead, "failed to read source").
			WithComponent("fileops").WithOperation("copy").WithContext("path", src).WithCause(err)
	}
	return s.atomicSwap(dst, data)
}

// GetFileStats returns size, mode, mtime, and content checksum for a path
func (s *Store) GetFileStats(path string) (*FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeFileNotFound, "file does not exist").
				WithComponent("fileops").WithOperation("stat").WithContext("path", path)
		}
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to stat file").
			WithComponent("fileops").WithOperation("stat").WithContext("path", path).WithCause(err)
	}

	checksum, err := checksumFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to checksum file").
			WithComponent("fileops").WithOperation("stat").WithContext("path", path).WithCause(err)
	}

	return &FileStats{
		Path:     path,
		Size:     info.Size(),
		Mode:     info.Mode(),
		ModTime:  info.ModTime(),
		Checksum: checksum,
	}, nil
}

// VerifyFile checks a file against an expected checksum. With an empty
// expected checksum it verifies readability only. Mismatches return false,
// never an error.
func (s *Store) VerifyFile(path, expectedChecksum string) bool {
	checksum, err := checksumFile(path)
	if err != nil {
		return false
	}
	if expectedChecksum == "" {
		return true
	}
	return checksum == expectedChecksum
}

// record reports operation latency to the monitor
func (s *Store) record(start time.Time) {
	if s.config.Recorder != nil {
		s.config.Recorder.RecordRequest(time.Since(start))
	}
}

// Helpers

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func checksumBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
