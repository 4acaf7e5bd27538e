package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notecore/notecore/pkg/utils"
)

// ExporterConfig represents Prometheus exporter configuration
type ExporterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Exporter mirrors monitor metrics into a Prometheus registry and optionally
// serves them over HTTP.
type Exporter struct {
	config   *ExporterConfig
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	cacheRequests   *prometheus.CounterVec
	cacheDuration   prometheus.Histogram
	alertCounter    *prometheus.CounterVec
	heapAlloc       prometheus.Gauge
	goroutines      prometheus.Gauge
	schedulerLag    prometheus.Gauge

	server *http.Server
}

// newExporter creates the exporter. A disabled exporter is inert: every
// method is a no-op so callers never need nil checks.
func newExporter(config *ExporterConfig) *Exporter {
	if config == nil || !config.Enabled {
		return &Exporter{config: &ExporterConfig{Enabled: false}}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "notecore"
	}

	e := &Exporter{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	e.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of pipeline requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"kind"},
	)

	e.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of cache lookups",
		},
		[]string{"result"},
	)

	e.cacheDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "cache_access_duration_seconds",
			Help:      "Duration of cache accesses in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	e.alertCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "alerts_total",
			Help:      "Total number of threshold alerts raised",
		},
		[]string{"type", "severity"},
	)

	e.heapAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "heap_alloc_bytes",
		Help:      "Current heap allocation in bytes",
	})

	e.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})

	e.schedulerLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "scheduler_lag_seconds",
		Help:      "Most recent sampler tick drift in seconds",
	})

	e.registry.MustRegister(
		e.requestDuration,
		e.cacheRequests,
		e.cacheDuration,
		e.alertCounter,
		e.heapAlloc,
		e.goroutines,
		e.schedulerLag,
	)

	return e
}

// start serves the metrics endpoint in the background
func (e *Exporter) start(logger *utils.StructuredLogger) {
	if !e.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// stop shuts the metrics endpoint down
func (e *Exporter) stop() {
	if e.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.server.Shutdown(ctx)
}

func (e *Exporter) observeRequest(d time.Duration) {
	if !e.config.Enabled {
		return
	}
	e.requestDuration.With(prometheus.Labels{"kind": "pipeline"}).Observe(d.Seconds())
}

func (e *Exporter) observeCacheAccess(hit bool, d time.Duration) {
	if !e.config.Enabled {
		return
	}
	e.cacheRequests.With(prometheus.Labels{
		"result": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
	e.cacheDuration.Observe(d.Seconds())
}

func (e *Exporter) countAlert(alertType string, severity Severity) {
	if !e.config.Enabled {
		return
	}
	e.alertCounter.With(prometheus.Labels{
		"type":     alertType,
		"severity": string(severity),
	}).Inc()
}

func (e *Exporter) setRuntime(sample RuntimeSample, lag time.Duration) {
	if !e.config.Enabled {
		return
	}
	e.heapAlloc.Set(float64(sample.HeapAlloc))
	e.goroutines.Set(float64(sample.NumGoroutine))
	e.schedulerLag.Set(lag.Seconds())
}
