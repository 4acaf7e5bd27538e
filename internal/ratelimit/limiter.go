// Package ratelimit implements tiered token-bucket admission control with
// persisted buckets and usage analytics.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notecore/notecore/internal/store"
	"github.com/notecore/notecore/pkg/utils"
)

// Tier names a rate-limit class
type Tier string

const (
	TierGuest   Tier = "guest"
	TierUser    Tier = "user"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// TierLimits defines the bucket parameters for a tier
type TierLimits struct {
	// RefillPerSecond is the continuous token refill rate.
	RefillPerSecond float64 `yaml:"refill_per_second"`

	// BurstLimit caps the bucket. Zero or negative means unlimited and
	// bypasses limiting entirely.
	BurstLimit float64 `yaml:"burst_limit"`
}

// Unlimited reports whether the tier bypasses limiting
func (t TierLimits) Unlimited() bool {
	return t.BurstLimit <= 0
}

// GlobalLimit is an identity-agnostic ceiling on a single action
type GlobalLimit struct {
	RefillPerSecond float64 `yaml:"refill_per_second"`
	BurstLimit      float64 `yaml:"burst_limit"`
}

// Config represents rate limiter configuration
type Config struct {
	// Tiers maps tier names to their bucket parameters. Missing entries
	// fall back to the default tier set.
	Tiers map[Tier]TierLimits `yaml:"tiers"`

	// DefaultTier is assigned to identities with no explicit tier.
	DefaultTier Tier `yaml:"default_tier"`

	// GlobalLimits are per-action system-wide ceilings evaluated in
	// addition to per-identity buckets.
	GlobalLimits map[string]GlobalLimit `yaml:"global_limits"`

	// RecordUsage enables persisted usage events for analytics.
	RecordUsage bool `yaml:"record_usage"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Tiers: map[Tier]TierLimits{
			TierGuest:   {RefillPerSecond: 10, BurstLimit: 150},
			TierUser:    {RefillPerSecond: 50, BurstLimit: 500},
			TierPremium: {RefillPerSecond: 200, BurstLimit: 2000},
			TierAdmin:   {BurstLimit: 0}, // unlimited
		},
		DefaultTier: TierGuest,
		RecordUsage: true,
	}
}

// Result is the outcome of an admission check
type Result struct {
	Allowed         bool          `json:"allowed"`
	TokensRemaining float64       `json:"tokens_remaining"`
	ResetTime       time.Time     `json:"reset_time"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
	Tier            Tier          `json:"tier"`
}

// bucket is the in-memory bucket state for one (identity, action) pair
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is the tiered token-bucket rate limiter. Buckets live in memory
// and are written through to the embedded store best-effort; store faults
// fail open.
type Limiter struct {
	mu      sync.Mutex
	config  *Config
	db      *store.Store
	logger  *utils.StructuredLogger
	tiers   map[string]Tier    // identity -> assigned tier
	buckets map[string]*bucket // identity|action -> bucket
	globals map[string]*bucket // action -> global bucket
	loaded  map[string]bool    // identity|action pairs already read from the store
	now     func() time.Time
}

// New creates a rate limiter backed by db. A nil db disables persistence;
// checks then run purely in memory.
func New(db *store.Store, config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	if len(config.Tiers) == 0 {
		config.Tiers = DefaultConfig().Tiers
	}
	if config.DefaultTier == "" {
		config.DefaultTier = TierGuest
	}

	return &Limiter{
		config:  config,
		db:      db,
		logger:  config.Logger.WithComponent("ratelimit"),
		tiers:   make(map[string]Tier),
		buckets: make(map[string]*bucket),
		globals: make(map[string]*bucket),
		loaded:  make(map[string]bool),
		now:     time.Now,
	}
}

// bucketKey joins identity and action into the in-memory map key
func bucketKey(identity, action string) string {
	return identity + "|" + action
}

// Check performs an admission check for tokens on (identity, action). The
// per-identity bucket and any global ceiling on the action are evaluated
// independently; both must pass, and tokens are deducted only when both do.
// Internal store faults fail open: the request is allowed and the fault
// logged.
func (l *Limiter) Check(identity, action string, tokens float64) Result {
	if tokens <= 0 {
		tokens = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tier := l.tierFor(identity)
	limits := l.limitsFor(tier)

	if limits.Unlimited() {
		res := Result{Allowed: true, TokensRemaining: math.MaxFloat64, ResetTime: now, Tier: tier}
		l.recordUsage(identity, action, true, tokens, now)
		return res
	}

	b := l.loadBucket(identity, action, tier, limits, now)
	refill(b, limits.RefillPerSecond, limits.BurstLimit, now)

	var gb *bucket
	var global GlobalLimit
	globalOK := true
	if g, ok := l.config.GlobalLimits[action]; ok && g.BurstLimit > 0 {
		global = g
		gb = l.globalBucket(action, g, now)
		refill(gb, g.RefillPerSecond, g.BurstLimit, now)
		globalOK = gb.tokens >= tokens
	}

	if b.tokens >= tokens && globalOK {
		b.tokens -= tokens
		if gb != nil {
			gb.tokens -= tokens
		}
		l.persistBucket(identity, action, tier, b)
		l.recordUsage(identity, action, true, tokens, now)
		return Result{
			Allowed:         true,
			TokensRemaining: b.tokens,
			ResetTime:       resetTime(b, limits, now),
			Tier:            tier,
		}
	}

	retry := retryAfter(b, limits.RefillPerSecond, tokens)
	if gb != nil && !globalOK {
		if gr := retryAfter(gb, global.RefillPerSecond, tokens); gr > retry {
			retry = gr
		}
	}

	l.persistBucket(identity, action, tier, b)
	l.recordUsage(identity, action, false, tokens, now)
	return Result{
		Allowed:         false,
		TokensRemaining: b.tokens,
		ResetTime:       resetTime(b, limits, now),
		RetryAfter:      retry,
		Tier:            tier,
	}
}

// SetTier reassigns an identity's tier for future checks. The existing
// bucket keeps its token balance; the new tier's cap applies on the next
// refill.
func (l *Limiter) SetTier(identity string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.config.Tiers[tier]; !ok {
		l.logger.Warn("Ignoring unknown tier assignment", map[string]interface{}{
			"identity": identity,
			"tier":     string(tier),
		})
		return
	}
	l.tiers[identity] = tier
}

// TierOf returns the tier currently assigned to identity
func (l *Limiter) TierOf(identity string) Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tierFor(identity)
}

// Close flushes nothing; buckets are written through on every check. Kept
// for lifecycle symmetry with the other components.
func (l *Limiter) Close() error {
	return nil
}

// tierFor resolves the tier for an identity. Caller holds l.mu.
func (l *Limiter) tierFor(identity string) Tier {
	if tier, ok := l.tiers[identity]; ok {
		return tier
	}
	return l.config.DefaultTier
}

// limitsFor resolves tier parameters, falling back to the default tier set
func (l *Limiter) limitsFor(tier Tier) TierLimits {
	if limits, ok := l.config.Tiers[tier]; ok {
		return limits
	}
	return DefaultConfig().Tiers[TierGuest]
}

// loadBucket returns the in-memory bucket, reading it from the store on
// first use. A store fault falls back to a fresh full bucket.
func (l *Limiter) loadBucket(identity, action string, tier Tier, limits TierLimits, now time.Time) *bucket {
	key := bucketKey(identity, action)
	if b, ok := l.buckets[key]; ok {
		return b
	}

	b := &bucket{tokens: limits.BurstLimit, lastRefill: now}
	if l.db != nil && !l.loaded[key] {
		l.loaded[key] = true
		var tokens float64
		var lastRefill int64
		var storedTier string
		row := l.db.QueryRow(
			`SELECT tokens, last_refill, tier FROM rate_buckets WHERE identity = ? AND action = ?`,
			identity, action)
		if err := row.Scan(&tokens, &lastRefill, &storedTier); err == nil {
			b.tokens = math.Min(tokens, limits.BurstLimit)
			b.lastRefill = time.UnixMilli(lastRefill)
			if _, known := l.tiers[identity]; !known && storedTier != "" {
				if _, ok := l.config.Tiers[Tier(storedTier)]; ok {
					l.tiers[identity] = Tier(storedTier)
				}
			}
		}
	}

	l.buckets[key] = b
	return b
}

// globalBucket returns the in-memory global bucket for an action
func (l *Limiter) globalBucket(action string, g GlobalLimit, now time.Time) *bucket {
	if b, ok := l.globals[action]; ok {
		return b
	}
	b := &bucket{tokens: g.BurstLimit, lastRefill: now}
	l.globals[action] = b
	return b
}

// persistBucket writes the bucket through to the store, best-effort
func (l *Limiter) persistBucket(identity, action string, tier Tier, b *bucket) {
	if l.db == nil {
		return
	}
	_, err := l.db.Exec(
		`INSERT INTO rate_buckets (identity, action, tier, tokens, last_refill)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity, action) DO UPDATE SET
		   tier = excluded.tier, tokens = excluded.tokens, last_refill = excluded.last_refill`,
		identity, action, string(tier), b.tokens, b.lastRefill.UnixMilli())
	if err != nil {
		l.logger.Warn("Failed to persist rate bucket", map[string]interface{}{
			"identity": identity,
			"action":   action,
			"error":    err.Error(),
		})
	}
}

// recordUsage appends a usage event for analytics, best-effort
func (l *Limiter) recordUsage(identity, action string, allowed bool, tokens float64, now time.Time) {
	if l.db == nil || !l.config.RecordUsage {
		return
	}
	allowedInt := 0
	if allowed {
		allowedInt = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO usage_events (id, identity, action, allowed, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), identity, action, allowedInt, tokens, now.UnixMilli())
	if err != nil {
		l.logger.Warn("Failed to record usage event", map[string]interface{}{
			"identity": identity,
			"action":   action,
			"error":    err.Error(),
		})
	}
}

// refill adds elapsed-time tokens up to the burst cap and advances the
// refill clock. Tokens never go negative and never exceed the cap.
func refill(b *bucket, ratePerSecond, burst float64, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(b.tokens+elapsed*ratePerSecond, burst)
	if b.tokens < 0 {
		b.tokens = 0
	}
	b.lastRefill = now
}

// retryAfter computes how long until the bucket accrues enough tokens
func retryAfter(b *bucket, ratePerSecond, tokens float64) time.Duration {
	if ratePerSecond <= 0 {
		return 0
	}
	deficit := tokens - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / ratePerSecond * float64(time.Second))
}

// resetTime reports when the bucket will be full again
func resetTime(b *bucket, limits TierLimits, now time.Time) time.Time {
	if limits.RefillPerSecond <= 0 {
		return now
	}
	deficit := limits.BurstLimit - b.tokens
	if deficit <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / limits.RefillPerSecond * float64(time.Second)))
}
