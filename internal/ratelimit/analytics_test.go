package ratelimit

import (
	"testing"
	"time"
)

// TestGetAnalyticsAggregates tests window aggregation of recorded usage
func TestGetAnalyticsAggregates(t *testing.T) {
	l := New(newTestStoreDB(t), nil)
	frozen(l, time.Now())

	// 150 admits drain the guest bucket, the rest are denied.
	for i := 0; i < 155; i++ {
		l.Check("u1", "generate", 1)
	}
	l.SetTier("u2", TierUser)
	for i := 0; i < 5; i++ {
		l.Check("u2", "scrape", 1)
	}

	a, err := l.GetAnalytics(24)
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}

	if a.TotalRequests != 160 {
		t.Errorf("expected 160 total requests, got %d", a.TotalRequests)
	}
	if a.TotalAllowed != 155 {
		t.Errorf("expected 155 allowed, got %d", a.TotalAllowed)
	}
	if a.TotalDenied != 5 {
		t.Errorf("expected 5 denied, got %d", a.TotalDenied)
	}
	if a.UniqueUsers != 2 {
		t.Errorf("expected 2 unique users, got %d", a.UniqueUsers)
	}

	if len(a.ByAction) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(a.ByAction))
	}
	// Ordered by volume, generate first.
	if a.ByAction[0].Action != "generate" || a.ByAction[0].Total != 155 {
		t.Errorf("unexpected top action: %+v", a.ByAction[0])
	}
	if a.ByAction[0].Denied != 5 {
		t.Errorf("expected 5 denials for generate, got %d", a.ByAction[0].Denied)
	}
	if a.ByAction[1].Action != "scrape" || a.ByAction[1].Denied != 0 {
		t.Errorf("unexpected second action: %+v", a.ByAction[1])
	}
}

// TestAnalyticsDisabled tests that RecordUsage=false records nothing
func TestAnalyticsDisabled(t *testing.T) {
	config := DefaultConfig()
	config.RecordUsage = false
	l := New(newTestStoreDB(t), config)
	frozen(l, time.Now())

	l.Check("u1", "generate", 1)

	a, err := l.GetAnalytics(24)
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}
	if a.TotalRequests != 0 {
		t.Errorf("expected no recorded events, got %d", a.TotalRequests)
	}
}

// TestPruneUsage tests age-based event removal
func TestPruneUsage(t *testing.T) {
	db := newTestStoreDB(t)
	l := New(db, nil)
	frozen(l, time.Now())

	l.Check("u1", "generate", 1)

	// An old event planted directly in the store.
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := db.Exec(
		`INSERT INTO usage_events (id, identity, action, allowed, tokens, created_at)
		 VALUES ('old-event', 'u1', 'generate', 1, 1, ?)`, old); err != nil {
		t.Fatalf("failed to plant old event: %v", err)
	}

	removed, err := l.PruneUsage(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned event, got %d", removed)
	}

	a, err := l.GetAnalytics(72)
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}
	if a.TotalRequests != 1 {
		t.Errorf("expected 1 surviving event, got %d", a.TotalRequests)
	}
}
