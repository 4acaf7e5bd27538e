// Package store owns the embedded SQLite database shared by the cache engine
// and the rate limiter. The *sql.DB handle never escapes this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notecore/notecore/pkg/errors"
	"github.com/notecore/notecore/pkg/retry"
)

// Config represents embedded store configuration
type Config struct {
	// Path is the database file location. ":memory:" opens an in-memory store.
	Path string `yaml:"path"`

	// BusyTimeout bounds how long a statement may wait on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxOpenConns limits concurrent connections. SQLite serializes writes,
	// so a small pool is enough.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns sensible defaults for the embedded store
func DefaultConfig() *Config {
	return &Config{
		Path:         "notecore.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Store wraps the embedded SQLite database
type Store struct {
	db      *sql.DB
	config  *Config
	retryer *retry.Retryer
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	value         BLOB NOT NULL,
	expires_at    INTEGER,
	created_at    INTEGER NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	compressed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed);
CREATE INDEX IF NOT EXISTS idx_cache_access_count ON cache_entries(access_count);

CREATE TABLE IF NOT EXISTS rate_buckets (
	identity    TEXT NOT NULL,
	action      TEXT NOT NULL,
	tier        TEXT NOT NULL,
	tokens      REAL NOT NULL,
	last_refill INTEGER NOT NULL,
	PRIMARY KEY (identity, action)
);

CREATE TABLE IF NOT EXISTS usage_events (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	action     TEXT NOT NULL,
	allowed    INTEGER NOT NULL,
	tokens     REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created_at ON usage_events(created_at);
`

// Open opens or creates the embedded database and runs migrations
func Open(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 4
	}

	if config.Path != ":memory:" {
		if dir := filepath.Dir(config.Path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		config.Path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)

	s := &Store{
		db:      db,
		config:  config,
		retryer: retry.New(retry.DefaultConfig()),
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate embedded store: %w", err)
	}

	return s, nil
}

// migrate creates the tables and indexes if they do not exist
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Exec runs a write statement, retrying transient busy faults
func (s *Store) Exec(query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := s.retryer.Do(func() error {
		var execErr error
		result, execErr = s.db.Exec(query, args...)
		return classify(execErr)
	})
	return result, err
}

// ExecContext runs a write statement with context, retrying transient busy faults
func (s *Store) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return classify(execErr)
	})
	return result, err
}

// QueryRow runs a single-row query
func (s *Store) QueryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(query, args...)
}

// Query runs a multi-row query
func (s *Store) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

// Tx runs fn inside a transaction, committing on nil and rolling back otherwise
func (s *Store) Tx(fn func(tx *sql.Tx) error) error {
	return s.retryer.Do(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return classify(err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}

		return classify(tx.Commit())
	})
}

// Path returns the database file location
func (s *Store) Path() string {
	return s.config.Path
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// classify wraps transient lock contention as a retryable store error
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return errors.NewError(errors.ErrCodeStoreBusy, "embedded store busy").
			WithComponent("store").
			WithCause(err)
	}
	return err
}
