// Package monitor provides performance monitoring for the NoteCore substrate:
// ring-buffered latency tracking, threshold alerting, runtime sampling, and
// Prometheus export.
package monitor

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notecore/notecore/pkg/utils"
)

// Severity represents alert severity
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents a threshold alert
type Alert struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds configures when alerts fire
type Thresholds struct {
	// StartupTime warns when MarkStartupComplete measures more than this.
	StartupTime time.Duration `yaml:"startup_time"`

	// AvgResponseTime warns when the ring-buffered average exceeds this.
	AvgResponseTime time.Duration `yaml:"avg_response_time"`

	// CacheHitRate warns when the hit rate drops below this fraction.
	// Only evaluated once MinHitRateSamples accesses have been recorded.
	CacheHitRate      float64 `yaml:"cache_hit_rate"`
	MinHitRateSamples int     `yaml:"min_hit_rate_samples"`

	// MemoryBytes warns when heap allocation exceeds this.
	MemoryBytes uint64 `yaml:"memory_bytes"`
}

// Config represents performance monitor configuration
type Config struct {
	// RequestWindow and CacheWindow size the latency ring buffers.
	RequestWindow int `yaml:"request_window"`
	CacheWindow   int `yaml:"cache_window"`

	// SampleInterval is how often the background sampler collects memory
	// and scheduler-lag samples.
	SampleInterval time.Duration `yaml:"sample_interval"`

	// AlertHistoryCap bounds the alert history; oldest entries are dropped.
	AlertHistoryCap int `yaml:"alert_history_cap"`

	// AlertCooldown suppresses repeat alerts of the same type.
	AlertCooldown time.Duration `yaml:"alert_cooldown"`

	Thresholds Thresholds `yaml:"thresholds"`

	// Metrics configures the Prometheus exporter.
	Metrics ExporterConfig `yaml:"metrics"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RequestWindow:   1000,
		CacheWindow:     1000,
		SampleInterval:  10 * time.Second,
		AlertHistoryCap: 100,
		AlertCooldown:   time.Minute,
		Thresholds: Thresholds{
			StartupTime:       5 * time.Second,
			AvgResponseTime:   2 * time.Second,
			CacheHitRate:      0.5,
			MinHitRateSamples: 50,
			MemoryBytes:       512 * 1024 * 1024,
		},
		Metrics: ExporterConfig{
			Enabled:   false,
			Port:      9091,
			Path:      "/metrics",
			Namespace: "notecore",
		},
	}
}

// RuntimeSample is a point-in-time snapshot of process memory and scheduling
type RuntimeSample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	Sys          uint64    `json:"sys"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
}

// Metrics is a point-in-time snapshot of aggregate performance metrics
type Metrics struct {
	Uptime          time.Duration `json:"uptime"`
	StartupTime     time.Duration `json:"startup_time"`
	RequestCount    uint64        `json:"request_count"`
	AvgResponseMs   float64       `json:"avg_response_ms"`
	CacheHits       uint64        `json:"cache_hits"`
	CacheMisses     uint64        `json:"cache_misses"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	AvgCacheMs      float64       `json:"avg_cache_ms"`
	SchedulerLagMs  float64       `json:"scheduler_lag_ms"`
	Runtime         RuntimeSample `json:"runtime"`
	AlertCount      int           `json:"alert_count"`
	SamplesRecorded int           `json:"samples_recorded"`
}

// PerformanceMonitor records request and cache-access latencies, samples
// runtime state, and raises threshold alerts into a bounded history.
type PerformanceMonitor struct {
	mu     sync.RWMutex
	config *Config
	logger *utils.StructuredLogger

	createdAt   time.Time
	startupTime time.Duration
	startupDone bool

	requests     *Ring // milliseconds
	cacheLatency *Ring // milliseconds
	schedulerLag *Ring // milliseconds

	requestCount uint64
	cacheHits    uint64
	cacheMisses  uint64

	alerts      []Alert
	lastAlertAt map[string]time.Time

	currentSample RuntimeSample

	exporter *Exporter

	active int32
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a performance monitor. Background sampling does not start until
// MarkStartupComplete is called.
func New(config *Config) *PerformanceMonitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	if config.RequestWindow <= 0 {
		config.RequestWindow = 1000
	}
	if config.CacheWindow <= 0 {
		config.CacheWindow = 1000
	}
	if config.AlertHistoryCap <= 0 {
		config.AlertHistoryCap = 100
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = 10 * time.Second
	}

	return &PerformanceMonitor{
		config:       config,
		logger:       config.Logger.WithComponent("monitor"),
		createdAt:    time.Now(),
		requests:     NewRing(config.RequestWindow),
		cacheLatency: NewRing(config.CacheWindow),
		schedulerLag: NewRing(64),
		lastAlertAt:  make(map[string]time.Time),
		exporter:     newExporter(&config.Metrics),
		stopCh:       make(chan struct{}),
	}
}

// RecordRequest records the duration of a completed request
func (pm *PerformanceMonitor) RecordRequest(duration time.Duration) {
	ms := float64(duration.Microseconds()) / 1000.0

	pm.mu.Lock()
	pm.requests.Push(ms)
	pm.requestCount++
	avg := pm.requests.Average()
	pm.mu.Unlock()

	pm.exporter.observeRequest(duration)

	if threshold := pm.config.Thresholds.AvgResponseTime; threshold > 0 {
		thresholdMs := float64(threshold.Milliseconds())
		if avg > thresholdMs {
			pm.raiseAlert("avg_response_time", SeverityWarning,
				fmt.Sprintf("average response time %.1fms exceeds %.0fms", avg, thresholdMs),
				avg, thresholdMs)
		}
	}
}

// RecordCacheAccess records a cache lookup outcome and its latency
func (pm *PerformanceMonitor) RecordCacheAccess(hit bool, duration time.Duration) {
	ms := float64(duration.Microseconds()) / 1000.0

	pm.mu.Lock()
	pm.cacheLatency.Push(ms)
	if hit {
		pm.cacheHits++
	} else {
		pm.cacheMisses++
	}
	total := pm.cacheHits + pm.cacheMisses
	hitRate := float64(pm.cacheHits) / float64(total)
	pm.mu.Unlock()

	pm.exporter.observeCacheAccess(hit, duration)

	// Skip hit-rate evaluation on cold start to avoid noise.
	minSamples := pm.config.Thresholds.MinHitRateSamples
	if threshold := pm.config.Thresholds.CacheHitRate; threshold > 0 && total >= uint64(minSamples) {
		if hitRate < threshold {
			pm.raiseAlert("cache_hit_rate", SeverityWarning,
				fmt.Sprintf("cache hit rate %.1f%% below %.1f%%", hitRate*100, threshold*100),
				hitRate, threshold)
		}
	}
}

// MarkStartupComplete records elapsed time since construction as the startup
// time and starts background runtime sampling.
func (pm *PerformanceMonitor) MarkStartupComplete() {
	pm.mu.Lock()
	if pm.startupDone {
		pm.mu.Unlock()
		return
	}
	pm.startupDone = true
	pm.startupTime = time.Since(pm.createdAt)
	startup := pm.startupTime
	pm.mu.Unlock()

	pm.logger.Info("Startup complete", map[string]interface{}{
		"startup_time": startup,
	})

	if threshold := pm.config.Thresholds.StartupTime; threshold > 0 && startup > threshold {
		pm.raiseAlert("startup_time", SeverityWarning,
			fmt.Sprintf("startup took %v, over %v", startup.Round(time.Millisecond), threshold),
			startup.Seconds(), threshold.Seconds())
	}

	if atomic.CompareAndSwapInt32(&pm.active, 0, 1) {
		pm.wg.Add(1)
		go pm.samplerLoop()
		pm.exporter.start(pm.logger)
	}
}

// samplerLoop collects memory and scheduler-lag samples on a fixed interval
func (pm *PerformanceMonitor) samplerLoop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.SampleInterval)
	defer ticker.Stop()

	expected := time.Now().Add(pm.config.SampleInterval)

	for {
		select {
		case <-pm.stopCh:
			return
		case now := <-ticker.C:
			// Tick drift approximates scheduler lag, the runtime analog
			// of event-loop lag.
			lag := now.Sub(expected)
			if lag < 0 {
				lag = 0
			}
			expected = now.Add(pm.config.SampleInterval)
			pm.takeSample(lag)
		}
	}
}

// takeSample reads runtime memory stats and evaluates memory thresholds
func (pm *PerformanceMonitor) takeSample(lag time.Duration) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sample := RuntimeSample{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}

	pm.mu.Lock()
	pm.currentSample = sample
	pm.schedulerLag.Push(float64(lag.Microseconds()) / 1000.0)
	pm.mu.Unlock()

	pm.exporter.setRuntime(sample, lag)

	if threshold := pm.config.Thresholds.MemoryBytes; threshold > 0 && sample.HeapAlloc > threshold {
		pm.raiseAlert("memory_usage", SeverityCritical,
			fmt.Sprintf("heap allocation %s exceeds %s",
				utils.FormatBytes(int64(sample.HeapAlloc)), utils.FormatBytes(int64(threshold))),
			float64(sample.HeapAlloc), float64(threshold))
	}
}

// raiseAlert appends an alert to the bounded history, honoring the cooldown
func (pm *PerformanceMonitor) raiseAlert(alertType string, severity Severity, message string, value, threshold float64) {
	pm.mu.Lock()

	if last, ok := pm.lastAlertAt[alertType]; ok && pm.config.AlertCooldown > 0 {
		if time.Since(last) < pm.config.AlertCooldown {
			pm.mu.Unlock()
			return
		}
	}
	pm.lastAlertAt[alertType] = time.Now()

	alert := Alert{
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now(),
	}

	pm.alerts = append(pm.alerts, alert)
	if len(pm.alerts) > pm.config.AlertHistoryCap {
		pm.alerts = pm.alerts[len(pm.alerts)-pm.config.AlertHistoryCap:]
	}
	pm.mu.Unlock()

	pm.exporter.countAlert(alertType, severity)

	pm.logger.Warn("Performance alert", map[string]interface{}{
		"type":      alertType,
		"severity":  string(severity),
		"message":   message,
		"value":     value,
		"threshold": threshold,
	})
}

// Metrics returns a point-in-time snapshot of aggregate metrics
func (pm *PerformanceMonitor) Metrics() Metrics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := pm.cacheHits + pm.cacheMisses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(pm.cacheHits) / float64(total)
	}

	return Metrics{
		Uptime:          time.Since(pm.createdAt),
		StartupTime:     pm.startupTime,
		RequestCount:    pm.requestCount,
		AvgResponseMs:   pm.requests.Average(),
		CacheHits:       pm.cacheHits,
		CacheMisses:     pm.cacheMisses,
		CacheHitRate:    hitRate,
		AvgCacheMs:      pm.cacheLatency.Average(),
		SchedulerLagMs:  pm.schedulerLag.Average(),
		Runtime:         pm.currentSample,
		AlertCount:      len(pm.alerts),
		SamplesRecorded: pm.requests.Count(),
	}
}

// Alerts returns up to limit alerts, most recent first
func (pm *PerformanceMonitor) Alerts(limit int) []Alert {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	n := len(pm.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, pm.alerts[i])
	}
	return out
}

// GenerateReport returns a human-readable performance summary
func (pm *PerformanceMonitor) GenerateReport() string {
	m := pm.Metrics()

	var sb strings.Builder
	writef := func(format string, args ...interface{}) { fmt.Fprintf(&sb, format, args...) }

	writef("NoteCore Performance Report\n")
	writef("===========================\n\n")
	writef("Uptime:           %v\n", m.Uptime.Round(time.Second))
	writef("Startup time:     %v\n", m.StartupTime.Round(time.Millisecond))
	writef("Requests:         %d (avg %.1fms over last %d)\n", m.RequestCount, m.AvgResponseMs, m.SamplesRecorded)
	writef("Cache:            %d hits / %d misses (%.1f%% hit rate, avg %.2fms)\n",
		m.CacheHits, m.CacheMisses, m.CacheHitRate*100, m.AvgCacheMs)
	writef("Scheduler lag:    %.2fms avg\n", m.SchedulerLagMs)
	writef("Heap alloc:       %s\n", utils.FormatBytes(int64(m.Runtime.HeapAlloc)))
	writef("Goroutines:       %d\n", m.Runtime.NumGoroutine)
	writef("GC cycles:        %d\n", m.Runtime.NumGC)

	alerts := pm.Alerts(5)
	if len(alerts) == 0 {
		writef("\nNo recent alerts.\n")
	} else {
		writef("\nRecent alerts:\n")
		for _, a := range alerts {
			writef("  [%s] %s %s: %s\n", a.Severity, a.Timestamp.Format("15:04:05"), a.Type, a.Message)
		}
	}

	return sb.String()
}

// Cleanup stops background sampling and the metrics endpoint. Must be called
// on shutdown to avoid leaking timers and goroutines.
func (pm *PerformanceMonitor) Cleanup() {
	if atomic.CompareAndSwapInt32(&pm.active, 1, 0) {
		close(pm.stopCh)
		pm.wg.Wait()
		pm.exporter.stop()
	}
}
