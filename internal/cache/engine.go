// Package cache implements the namespaced key-value cache engine backed by
// the embedded store, with TTL expiry, transparent compression, and two-tier
// (count- and size-based) eviction.
package cache

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/notecore/notecore/internal/store"
	"github.com/notecore/notecore/pkg/errors"
	"github.com/notecore/notecore/pkg/utils"
)

// Recorder receives cache access timings. Satisfied by the performance monitor.
type Recorder interface {
	RecordCacheAccess(hit bool, duration time.Duration)
}

// Config represents cache engine configuration
type Config struct {
	// MaxEntries bounds the entry count. When reached, the oldest 10% of
	// entries by last access are evicted.
	MaxEntries int `yaml:"max_entries"`

	// MaxSize bounds the total stored bytes. Exceeding it evicts entries
	// oldest-by-last-access until the new entry fits.
	MaxSize int64 `yaml:"max_size"`

	// DefaultTTL applies when Set is called with a zero TTL. Zero disables
	// default expiry.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// EnableCompression gzips values at or above CompressionThreshold bytes,
	// and only when compression actually shrinks them.
	EnableCompression    bool `yaml:"enable_compression"`
	CompressionThreshold int  `yaml:"compression_threshold"`

	// CleanupInterval is how often the background sweep removes expired rows.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Logger   *utils.StructuredLogger `yaml:"-"`
	Recorder Recorder                `yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:           10000,
		MaxSize:              256 * 1024 * 1024, // 256MB
		DefaultTTL:           time.Hour,
		EnableCompression:    true,
		CompressionThreshold: 1024, // 1KB
		CleanupInterval:      time.Minute,
	}
}

// Stats represents cache statistics, computed live on request
type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Sets         uint64  `json:"sets"`
	Deletes      uint64  `json:"deletes"`
	Evictions    uint64  `json:"evictions"`
	ExpiredSwept uint64  `json:"expired_swept"`
	Compressions uint64  `json:"compressions"`
	Errors       uint64  `json:"errors"`
	TotalEntries int64   `json:"total_entries"`
	TotalSize    int64   `json:"total_size"`
	MaxEntries   int     `json:"max_entries"`
	MaxSize      int64   `json:"max_size"`
}

// Engine is the cache engine. Storage faults never propagate to callers: a
// failed read degrades to a miss and a failed write to a no-op, because the
// cache is an optimization, not a source of truth.
type Engine struct {
	mu     sync.Mutex // serializes writes and evictions
	db     *store.Store
	config *Config
	logger *utils.StructuredLogger

	hits         uint64
	misses       uint64
	sets         uint64
	deletes      uint64
	evictions    uint64
	expiredSwept uint64
	compressions uint64
	faults       uint64

	totalEntries int64
	totalSize    int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a cache engine over the embedded store and starts the
// background expiry sweep.
func New(db *store.Store, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 256 * 1024 * 1024
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = 1024
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	e := &Engine{
		db:     db,
		config: config,
		logger: config.Logger.WithComponent("cache"),
		stopCh: make(chan struct{}),
	}

	// Recover totals from whatever a previous process left behind.
	row := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`)
	if err := row.Scan(&e.totalEntries, &e.totalSize); err != nil {
		return nil, fmt.Errorf("failed to load cache totals: %w", err)
	}

	e.wg.Add(1)
	go e.cleanupLoop()

	return e, nil
}

// Get returns the stored bytes for (namespace, identifier, params), or
// found=false on absence, expiry, or any storage fault.
func (e *Engine) Get(namespace, identifier string, params map[string]interface{}) ([]byte, bool) {
	start := time.Now()
	value, found := e.get(DeriveKey(namespace, identifier, params))
	e.record(found, time.Since(start))
	return value, found
}

// GetJSON unmarshals a cached value into dest. Returns false on miss or
// decode failure.
func (e *Engine) GetJSON(namespace, identifier string, params map[string]interface{}, dest interface{}) bool {
	raw, found := e.Get(namespace, identifier, params)
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		e.fault("get", errors.NewError(errors.ErrCodeCacheEncode, "cached value does not decode").
			WithComponent("cache").WithCause(err))
		return false
	}
	return true
}

func (e *Engine) get(key string) ([]byte, bool) {
	var (
		value      []byte
		expiresAt  sql.NullInt64
		compressed bool
	)

	row := e.db.QueryRow(
		`SELECT value, expires_at, compressed FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt, &compressed); err != nil {
		if err != sql.ErrNoRows {
			e.fault("get", errors.NewError(errors.ErrCodeCacheRead, "cache read failed").
				WithComponent("cache").WithContext("key", key).WithCause(err))
		}
		e.miss()
		return nil, false
	}

	now := time.Now().UnixMilli()
	if expiresAt.Valid && expiresAt.Int64 <= now {
		e.removeExpired(key)
		e.miss()
		return nil, false
	}

	if _, err := e.db.Exec(
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`,
		now, key); err != nil {
		// Access bookkeeping is best effort; the value is still good.
		e.logger.Debug("Failed to update access stats", map[string]interface{}{"key": key, "error": err.Error()})
	}

	if compressed {
		decompressed, err := gunzip(value)
		if err != nil {
			e.fault("get", errors.NewError(errors.ErrCodeCacheRead, "cached value failed to decompress").
				WithComponent("cache").WithContext("key", key).WithCause(err))
			e.removeExpired(key)
			e.miss()
			return nil, false
		}
		value = decompressed
	}

	e.mu.Lock()
	e.hits++
	e.mu.Unlock()
	return value, true
}

// Set serializes and stores a value. A zero ttl applies DefaultTTL; a
// negative ttl stores without expiry.
func (e *Engine) Set(namespace, identifier string, value interface{}, ttl time.Duration, params map[string]interface{}) error {
	key := DeriveKey(namespace, identifier, params)

	serialized, err := serialize(value)
	if err != nil {
		return errors.NewError(errors.ErrCodeCacheEncode, "value does not serialize").
			WithComponent("cache").WithOperation("set").WithContext("key", key).WithCause(err)
	}

	stored := serialized
	compressed := false
	if e.config.EnableCompression && len(serialized) >= e.config.CompressionThreshold {
		if packed, err := gzipBytes(serialized); err == nil && len(packed) < len(serialized) {
			stored = packed
			compressed = true
		}
	}

	if ttl == 0 {
		ttl = e.config.DefaultTTL
	}
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.NewError(errors.ErrCodeCacheClosed, "cache engine is closed").WithComponent("cache")
	}

	e.ensureSpaceLocked(int64(len(stored)))

	// Replacing an entry must not double-count its size.
	var oldSize sql.NullInt64
	_ = e.db.QueryRow(`SELECT size FROM cache_entries WHERE key = ?`, key).Scan(&oldSize)

	now := time.Now().UnixMilli()
	_, err = e.db.Exec(
		`INSERT INTO cache_entries (key, value, expires_at, created_at, access_count, last_accessed, size, compressed)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			access_count = 0,
			last_accessed = excluded.last_accessed,
			size = excluded.size,
			compressed = excluded.compressed`,
		key, stored, expiresAt, now, now, len(stored), compressed)
	if err != nil {
		e.faults++
		e.logger.Warn("Cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
		// A failed set is a no-op, not a caller-visible fault.
		return nil
	}

	if oldSize.Valid {
		e.totalSize -= oldSize.Int64
	} else {
		e.totalEntries++
	}
	e.totalSize += int64(len(stored))
	e.sets++
	if compressed {
		e.compressions++
	}

	return nil
}

// Delete removes an entry. Missing keys are not an error.
func (e *Engine) Delete(namespace, identifier string, params map[string]interface{}) {
	e.deleteKey(DeriveKey(namespace, identifier, params))
}

func (e *Engine) deleteKey(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var size sql.NullInt64
	if err := e.db.QueryRow(`SELECT size FROM cache_entries WHERE key = ?`, key).Scan(&size); err != nil {
		return
	}

	if _, err := e.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		e.faults++
		e.logger.Warn("Cache delete failed", map[string]interface{}{"key": key, "error": err.Error()})
		return
	}

	e.totalEntries--
	e.totalSize -= size.Int64
	e.deletes++
}

// Has reports whether a live (non-expired) entry exists without touching
// access stats.
func (e *Engine) Has(namespace, identifier string, params map[string]interface{}) bool {
	key := DeriveKey(namespace, identifier, params)

	var expiresAt sql.NullInt64
	row := e.db.QueryRow(`SELECT expires_at FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&expiresAt); err != nil {
		return false
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return false
	}
	return true
}

// Clear removes every entry in a namespace, or all entries when namespace
// is empty.
func (e *Engine) Clear(namespace string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if namespace == "" {
		_, err = e.db.Exec(`DELETE FROM cache_entries`)
	} else {
		_, err = e.db.Exec(`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`,
			likePrefix(namespacePrefix(namespace)))
	}
	if err != nil {
		e.faults++
		e.logger.Warn("Cache clear failed", map[string]interface{}{"namespace": namespace, "error": err.Error()})
		return
	}

	// Totals need a recount after a bulk delete.
	row := e.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`)
	_ = row.Scan(&e.totalEntries, &e.totalSize)
}

// BatchResult is one MGet outcome, in request order.
type BatchResult struct {
	Identifier string
	Value      []byte
	Found      bool
}

// MGet looks up multiple identifiers in a namespace, preserving order.
func (e *Engine) MGet(namespace string, identifiers []string) []BatchResult {
	results := make([]BatchResult, 0, len(identifiers))
	for _, id := range identifiers {
		value, found := e.Get(namespace, id, nil)
		results = append(results, BatchResult{Identifier: id, Value: value, Found: found})
	}
	return results
}

// BatchItem is one MSet input.
type BatchItem struct {
	Identifier string
	Value      interface{}
	TTL        time.Duration
}

// MSet stores multiple items. Failures are independent: a failed item does
// not abort the batch. The returned slice is aligned with items; nil means
// the item was stored.
func (e *Engine) MSet(namespace string, items []BatchItem) []error {
	errs := make([]error, len(items))
	for i, item := range items {
		errs[i] = e.Set(namespace, item.Identifier, item.Value, item.TTL, nil)
	}
	return errs
}

// Stats returns statistics computed live against the store
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Entry totals come from the store so stats never drift from reality.
	var entries, size int64
	row := e.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`)
	if err := row.Scan(&entries, &size); err != nil {
		entries, size = e.totalEntries, e.totalSize
	} else {
		e.totalEntries, e.totalSize = entries, size
	}

	total := e.hits + e.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(e.hits) / float64(total)
	}

	return Stats{
		Hits:         e.hits,
		Misses:       e.misses,
		HitRate:      hitRate,
		Sets:         e.sets,
		Deletes:      e.deletes,
		Evictions:    e.evictions,
		ExpiredSwept: e.expiredSwept,
		Compressions: e.compressions,
		Errors:       e.faults,
		TotalEntries: entries,
		TotalSize:    size,
		MaxEntries:   e.config.MaxEntries,
		MaxSize:      e.config.MaxSize,
	}
}

// Config returns the active configuration
func (e *Engine) Config() Config {
	return *e.config
}

// Close stops the background sweep. The embedded store itself is owned and
// closed by the composition root.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	return nil
}

// ensureSpaceLocked enforces both eviction tiers before an insert of
// requiredBytes. Caller holds e.mu.
func (e *Engine) ensureSpaceLocked(requiredBytes int64) {
	// Count-based tier: at capacity, evict the oldest 10% by last access.
	if e.totalEntries >= int64(e.config.MaxEntries) {
		batch := e.totalEntries / 10
		if batch < 1 {
			batch = 1
		}
		e.evictOldestLocked(batch)
	}

	// Size-based tier: evict oldest until the new entry fits.
	for e.totalSize+requiredBytes > e.config.MaxSize && e.totalEntries > 0 {
		if evicted := e.evictOldestLocked(16); evicted == 0 {
			break
		}
	}
}

// evictOldestLocked removes up to limit entries oldest-by-last-access and
// returns how many were evicted. Caller holds e.mu.
func (e *Engine) evictOldestLocked(limit int64) int64 {
	rows, err := e.db.Query(
		`SELECT key, size FROM cache_entries ORDER BY last_accessed ASC LIMIT ?`, limit)
	if err != nil {
		e.faults++
		return 0
	}

	type victim struct {
		key  string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.key, &v.size); err == nil {
			victims = append(victims, v)
		}
	}
	_ = rows.Close()

	var evicted int64
	for _, v := range victims {
		if _, err := e.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, v.key); err != nil {
			continue
		}
		e.totalEntries--
		e.totalSize -= v.size
		e.evictions++
		evicted++
	}
	return evicted
}

// removeExpired deletes a single expired row found during Get
func (e *Engine) removeExpired(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var size sql.NullInt64
	if err := e.db.QueryRow(`SELECT size FROM cache_entries WHERE key = ?`, key).Scan(&size); err != nil {
		return
	}
	if _, err := e.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return
	}
	e.totalEntries--
	e.totalSize -= size.Int64
	e.expiredSwept++
}

// cleanupLoop sweeps expired entries on a fixed interval
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

// sweepExpired removes every entry whose expiry has passed
func (e *Engine) sweepExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UnixMilli()

	var count, size sql.NullInt64
	row := e.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err := row.Scan(&count, &size); err != nil || !count.Valid || count.Int64 == 0 {
		return
	}

	if _, err := e.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		e.faults++
		e.logger.Warn("Expiry sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}

	e.totalEntries -= count.Int64
	e.totalSize -= size.Int64
	e.expiredSwept += uint64(count.Int64)

	e.logger.Debug("Expiry sweep removed entries", map[string]interface{}{
		"removed": count.Int64,
		"freed":   size.Int64,
	})
}

// Helpers

func (e *Engine) miss() {
	e.mu.Lock()
	e.misses++
	e.mu.Unlock()
}

func (e *Engine) fault(op string, err error) {
	e.mu.Lock()
	e.faults++
	e.mu.Unlock()
	e.logger.Warn("Cache fault contained", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
}

func (e *Engine) record(hit bool, duration time.Duration) {
	if e.config.Recorder != nil {
		e.config.Recorder.RecordCacheAccess(hit, duration)
	}
}

// serialize converts a value into storable bytes. Raw bytes and strings pass
// through untouched; everything else is JSON-encoded.
func serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
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

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// likePrefix escapes LIKE metacharacters so a namespace prefix matches
// literally.
func likePrefix(prefix string) string {
	var sb bytes.Buffer
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('%')
	return sb.String()
}
