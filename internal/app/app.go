// Package app wires the performance substrate together: one embedded store,
// one cache engine, one file store, one rate limiter, and one monitor, all
// constructed once and shared by reference.
package app

import (
	"github.com/notecore/notecore/internal/cache"
	"github.com/notecore/notecore/internal/config"
	"github.com/notecore/notecore/internal/fileops"
	"github.com/notecore/notecore/internal/monitor"
	"github.com/notecore/notecore/internal/ratelimit"
	"github.com/notecore/notecore/internal/store"
	"github.com/notecore/notecore/pkg/utils"
)

// App is the composition root. Components are not usable after Close.
type App struct {
	Config  *config.Configuration
	Logger  *utils.StructuredLogger
	Store   *store.Store
	Cache   *cache.Engine
	Files   *fileops.Store
	Limiter *ratelimit.Limiter
	Monitor *monitor.PerformanceMonitor
}

// New builds the application from a validated configuration
func New(cfg *config.Configuration) (*App, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}

	logger := cfg.BuildLogger()

	monCfg := cfg.Monitor
	monCfg.Logger = logger
	mon := monitor.New(&monCfg)

	db, err := store.Open(&cfg.Store)
	if err != nil {
		mon.Cleanup()
		return nil, err
	}

	cacheCfg := cfg.Cache
	cacheCfg.Logger = logger
	cacheCfg.Recorder = mon
	engine, err := cache.New(db, &cacheCfg)
	if err != nil {
		_ = db.Close()
		mon.Cleanup()
		return nil, err
	}

	fileCfg := cfg.FileOps
	fileCfg.Logger = logger
	fileCfg.Recorder = mon
	files := fileops.New(&fileCfg)

	limitCfg := cfg.RateLimit
	limitCfg.Logger = logger
	limiter := ratelimit.New(db, &limitCfg)

	logger.WithComponent("app").Info("Application assembled", map[string]interface{}{
		"db_path":     db.Path(),
		"max_entries": cacheCfg.MaxEntries,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   db,
		Cache:   engine,
		Files:   files,
		Limiter: limiter,
		Monitor: mon,
	}, nil
}

// Start marks startup complete, beginning background runtime sampling and
// the metrics exporter if enabled.
func (a *App) Start() {
	a.Monitor.MarkStartupComplete()
}

// Close shuts components down in reverse construction order. Held file
// locks are swept so no stale markers outlive the process.
func (a *App) Close() error {
	_ = a.Limiter.Close()
	a.Files.ReleaseAllLocks()

	var firstErr error
	if err := a.Cache.Close(); err != nil {
		firstErr = err
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.Monitor.Cleanup()

	a.Logger.WithComponent("app").Info("Application closed")
	return firstErr
}
