package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/notecore/notecore/internal/store"
)

func newTestStoreDB(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "rl.db")
	db, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// frozen pins the limiter clock so refill is fully deterministic
func frozen(l *Limiter, at time.Time) func(time.Duration) {
	current := at
	l.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

// TestGuestBurstExhaustion tests that a guest burst of 150 admits exactly
// 150 rapid requests and denies the rest with a positive retry hint
func TestGuestBurstExhaustion(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())

	allowed, denied := 0, 0
	var lastDenied Result
	for i := 0; i < 151; i++ {
		res := l.Check("guest-1", "generate", 1)
		if res.Allowed {
			allowed++
		} else {
			denied++
			lastDenied = res
		}
	}

	if allowed != 150 {
		t.Errorf("expected 150 allowed, got %d", allowed)
	}
	if denied != 1 {
		t.Errorf("expected 1 denied, got %d", denied)
	}
	if lastDenied.RetryAfter <= 0 {
		t.Errorf("expected positive retryAfter on denial, got %v", lastDenied.RetryAfter)
	}
	if lastDenied.TokensRemaining < 0 {
		t.Errorf("tokensRemaining must never be negative, got %f", lastDenied.TokensRemaining)
	}
}

// TestRefillRestoresTokens tests elapsed-time refill at the tier rate
func TestRefillRestoresTokens(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	advance := frozen(l, time.Now())

	// Drain the guest bucket.
	for i := 0; i < 150; i++ {
		l.Check("guest-1", "generate", 1)
	}
	if res := l.Check("guest-1", "generate", 1); res.Allowed {
		t.Fatal("expected the drained bucket to deny")
	}

	// Guest refills at 10 tokens per second.
	advance(time.Second)
	res := l.Check("guest-1", "generate", 5)
	if !res.Allowed {
		t.Fatal("expected refilled tokens to admit")
	}
	if res.TokensRemaining < 4.9 || res.TokensRemaining > 5.1 {
		t.Errorf("expected ~5 tokens remaining after refill, got %f", res.TokensRemaining)
	}
}

// TestTokensNeverExceedBurst tests the refill cap
func TestTokensNeverExceedBurst(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	advance := frozen(l, time.Now())

	l.Check("guest-1", "generate", 1) // creates the bucket at 149
	advance(time.Hour)                // far more refill than the cap

	res := l.Check("guest-1", "generate", 1)
	if !res.Allowed {
		t.Fatal("expected admit after a long idle period")
	}
	if res.TokensRemaining > 149 {
		t.Errorf("tokens exceeded burst cap: %f remaining", res.TokensRemaining)
	}
}

// TestSetTierChangesLimits tests tier reassignment
func TestSetTierChangesLimits(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())

	if got := l.TierOf("u1"); got != TierGuest {
		t.Errorf("expected default tier guest, got %s", got)
	}

	l.SetTier("u1", TierPremium)
	if got := l.TierOf("u1"); got != TierPremium {
		t.Errorf("expected premium after assignment, got %s", got)
	}

	// Premium burst (2000) admits a request a guest could never make.
	res := l.Check("u1", "generate", 1000)
	if !res.Allowed {
		t.Error("expected premium to admit 1000 tokens")
	}

	l.SetTier("u1", Tier("bogus"))
	if got := l.TierOf("u1"); got != TierPremium {
		t.Errorf("unknown tier should be ignored, got %s", got)
	}
}

// TestAdminBypassesLimiting tests the unlimited tier
func TestAdminBypassesLimiting(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())
	l.SetTier("root", TierAdmin)

	for i := 0; i < 1000; i++ {
		if res := l.Check("root", "generate", 100); !res.Allowed {
			t.Fatalf("admin request %d was denied", i)
		}
	}
}

// TestGlobalCeiling tests that an identity-agnostic limit denies even when
// per-identity buckets still have tokens
func TestGlobalCeiling(t *testing.T) {
	config := DefaultConfig()
	config.GlobalLimits = map[string]GlobalLimit{
		"expensive": {RefillPerSecond: 1, BurstLimit: 5},
	}
	l := New(newTestStoreDB(t), config)
	frozen(l, time.Now())

	allowed := 0
	for i := 0; i < 10; i++ {
		identity := "user-a"
		if i%2 == 1 {
			identity = "user-b"
		}
		if res := l.Check(identity, "expensive", 1); res.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected the global ceiling to cap at 5, got %d", allowed)
	}

	// Other actions are unaffected.
	if res := l.Check("user-a", "cheap", 1); !res.Allowed {
		t.Error("expected unrelated action to admit")
	}
}

// TestDenialDoesNotDeduct tests that denied requests leave tokens intact
func TestDenialDoesNotDeduct(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())

	first := l.Check("guest-1", "generate", 1)
	if !first.Allowed {
		t.Fatal("expected first check to admit")
	}
	remaining := first.TokensRemaining

	// A request larger than the remaining balance is denied.
	denied := l.Check("guest-1", "generate", remaining+100)
	if denied.Allowed {
		t.Fatal("expected oversized request to be denied")
	}
	if denied.TokensRemaining != remaining {
		t.Errorf("denial changed the balance: %f -> %f", remaining, denied.TokensRemaining)
	}
}

// TestBucketPersistsAcrossInstances tests that bucket state written through
// to the store is honored by a fresh limiter
func TestBucketPersistsAcrossInstances(t *testing.T) {
	db := newTestStoreDB(t)

	first := New(db, nil)
	base := time.Now()
	frozen(first, base)
	for i := 0; i < 100; i++ {
		first.Check("guest-1", "generate", 1)
	}

	second := New(db, nil)
	frozen(second, base)
	res := second.Check("guest-1", "generate", 1)
	if !res.Allowed {
		t.Fatal("expected admit from the persisted balance")
	}
	// 150 - 100 spent - 1 just now = 49.
	if res.TokensRemaining < 48.9 || res.TokensRemaining > 49.1 {
		t.Errorf("expected ~49 tokens from the persisted bucket, got %f", res.TokensRemaining)
	}
}

// TestFailOpenOnStoreError tests that a broken store never blocks admission
func TestFailOpenOnStoreError(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "rl.db")
	db, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	_ = db.Close() // every subsequent statement fails

	l := New(db, nil)
	frozen(l, time.Now())

	res := l.Check("guest-1", "generate", 1)
	if !res.Allowed {
		t.Error("expected fail-open admission despite store errors")
	}
}

// TestZeroTokensTreatedAsOne tests the minimum request size
func TestZeroTokensTreatedAsOne(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())

	res := l.Check("guest-1", "generate", 0)
	if !res.Allowed {
		t.Fatal("expected admit")
	}
	if res.TokensRemaining != 149 {
		t.Errorf("expected one token deducted, got %f remaining", res.TokensRemaining)
	}
}
