package ratelimit

import (
	"time"

	"github.com/notecore/notecore/pkg/errors"
)

// ActionStats aggregates usage for a single action within a window
type ActionStats struct {
	Action      string  `json:"action"`
	Total       int64   `json:"total"`
	Allowed     int64   `json:"allowed"`
	Denied      int64   `json:"denied"`
	TokensSpent float64 `json:"tokens_spent"`
	DenialRate  float64 `json:"denial_rate"`
	UniqueUsers int64   `json:"unique_users"`
}

// Analytics summarizes recorded usage over a time window
type Analytics struct {
	WindowHours   int           `json:"window_hours"`
	Since         time.Time     `json:"since"`
	TotalRequests int64         `json:"total_requests"`
	TotalAllowed  int64         `json:"total_allowed"`
	TotalDenied   int64         `json:"total_denied"`
	UniqueUsers   int64         `json:"unique_users"`
	ByAction      []ActionStats `json:"by_action"`
}

// GetAnalytics aggregates usage events recorded within the last windowHours
func (l *Limiter) GetAnalytics(windowHours int) (*Analytics, error) {
	if l.db == nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "analytics requires a backing store").
			WithComponent("ratelimit").WithOperation("analytics")
	}
	if windowHours <= 0 {
		windowHours = 24
	}

	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	sinceMs := since.UnixMilli()

	a := &Analytics{WindowHours: windowHours, Since: since}

	row := l.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(allowed), 0), COUNT(DISTINCT identity)
		 FROM usage_events WHERE created_at >= ?`, sinceMs)
	if err := row.Scan(&a.TotalRequests, &a.TotalAllowed, &a.UniqueUsers); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to aggregate usage events").
			WithComponent("ratelimit").WithOperation("analytics").WithCause(err)
	}
	a.TotalDenied = a.TotalRequests - a.TotalAllowed

	rows, err := l.db.Query(
		`SELECT action, COUNT(*), COALESCE(SUM(allowed), 0), COALESCE(SUM(tokens), 0), COUNT(DISTINCT identity)
		 FROM usage_events WHERE created_at >= ?
		 GROUP BY action ORDER BY COUNT(*) DESC`, sinceMs)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to aggregate per-action usage").
			WithComponent("ratelimit").WithOperation("analytics").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var s ActionStats
		if err := rows.Scan(&s.Action, &s.Total, &s.Allowed, &s.TokensSpent, &s.UniqueUsers); err != nil {
			continue
		}
		s.Denied = s.Total - s.Allowed
		if s.Total > 0 {
			s.DenialRate = float64(s.Denied) / float64(s.Total)
		}
		a.ByAction = append(a.ByAction, s)
	}

	return a, nil
}

// PruneUsage removes usage events older than maxAge and returns the count
func (l *Limiter) PruneUsage(maxAge time.Duration) (int64, error) {
	if l.db == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := l.db.Exec(`DELETE FROM usage_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to prune usage events").
			WithComponent("ratelimit").WithOperation("prune").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
