package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestDisabledExporterIsInert tests that a disabled exporter never panics
func TestDisabledExporterIsInert(t *testing.T) {
	e := newExporter(&ExporterConfig{Enabled: false})

	e.observeRequest(time.Millisecond)
	e.observeCacheAccess(true, time.Millisecond)
	e.countAlert("test", SeverityWarning)
	e.setRuntime(RuntimeSample{HeapAlloc: 1}, time.Millisecond)
	e.stop()
}

// TestExporterCountsCacheAccesses tests the registered counters
func TestExporterCountsCacheAccesses(t *testing.T) {
	e := newExporter(&ExporterConfig{Enabled: true, Namespace: "test"})

	e.observeCacheAccess(true, time.Millisecond)
	e.observeCacheAccess(true, time.Millisecond)
	e.observeCacheAccess(false, time.Millisecond)

	hits := testutil.ToFloat64(e.cacheRequests.WithLabelValues("hit"))
	misses := testutil.ToFloat64(e.cacheRequests.WithLabelValues("miss"))
	if hits != 2 {
		t.Errorf("hit counter = %f, want 2", hits)
	}
	if misses != 1 {
		t.Errorf("miss counter = %f, want 1", misses)
	}
}

// TestExporterCountsAlerts tests alert counter labels
func TestExporterCountsAlerts(t *testing.T) {
	e := newExporter(&ExporterConfig{Enabled: true, Namespace: "test"})

	e.countAlert("memory_usage", SeverityCritical)
	e.countAlert("memory_usage", SeverityCritical)

	got := testutil.ToFloat64(e.alertCounter.WithLabelValues("memory_usage", "critical"))
	if got != 2 {
		t.Errorf("alert counter = %f, want 2", got)
	}
}

// TestExporterRuntimeGauges tests the runtime gauges
func TestExporterRuntimeGauges(t *testing.T) {
	e := newExporter(&ExporterConfig{Enabled: true, Namespace: "test"})

	e.setRuntime(RuntimeSample{HeapAlloc: 4096, NumGoroutine: 7}, 2*time.Millisecond)

	if got := testutil.ToFloat64(e.heapAlloc); got != 4096 {
		t.Errorf("heap gauge = %f, want 4096", got)
	}
	if got := testutil.ToFloat64(e.goroutines); got != 7 {
		t.Errorf("goroutine gauge = %f, want 7", got)
	}
	if got := testutil.ToFloat64(e.schedulerLag); got != 0.002 {
		t.Errorf("lag gauge = %f, want 0.002", got)
	}
}
