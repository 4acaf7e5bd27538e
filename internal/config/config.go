// Package config loads and validates the application configuration from
// YAML with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/notecore/notecore/internal/cache"
	"github.com/notecore/notecore/internal/fileops"
	"github.com/notecore/notecore/internal/monitor"
	"github.com/notecore/notecore/internal/ratelimit"
	"github.com/notecore/notecore/internal/store"
	"github.com/notecore/notecore/pkg/errors"
	"github.com/notecore/notecore/pkg/utils"
)

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // "text" or "json"
	IncludeCaller bool   `yaml:"include_caller"`
}

// Configuration is the root application configuration
type Configuration struct {
	Store     store.Config     `yaml:"store"`
	Cache     cache.Config     `yaml:"cache"`
	FileOps   fileops.Config   `yaml:"fileops"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Monitor   monitor.Config   `yaml:"monitor"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// NewDefault returns the default configuration
func NewDefault() *Configuration {
	return &Configuration{
		Store:     *store.DefaultConfig(),
		Cache:     *cache.DefaultConfig(),
		FileOps:   *fileops.DefaultConfig(),
		RateLimit: *ratelimit.DefaultConfig(),
		Monitor:   *monitor.DefaultConfig(),
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			IncludeCaller: true,
		},
	}
}

// LoadFromFile reads a YAML configuration file over the defaults, then
// applies environment overrides.
func LoadFromFile(path string) (*Configuration, error) {
	config := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to read config file").
			WithComponent("config").WithContext("path", path).WithCause(err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to parse config file").
			WithComponent("config").WithContext("path", path).WithCause(err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromEnv returns the defaults with environment overrides applied
func LoadFromEnv() (*Configuration, error) {
	config := NewDefault()
	config.applyEnvOverrides()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides reads NOTECORE_* variables over the loaded values
func (c *Configuration) applyEnvOverrides() {
	if v := os.Getenv("NOTECORE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("NOTECORE_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("NOTECORE_CACHE_MAX_SIZE"); v != "" {
		if n, err := utils.ParseBytes(v); err == nil {
			c.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("NOTECORE_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("NOTECORE_CACHE_COMPRESSION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cache.EnableCompression = b
		}
	}
	if v := os.Getenv("NOTECORE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FileOps.LockTimeout = d
		}
	}
	if v := os.Getenv("NOTECORE_RATELIMIT_DEFAULT_TIER"); v != "" {
		c.RateLimit.DefaultTier = ratelimit.Tier(v)
	}
	if v := os.Getenv("NOTECORE_RATELIMIT_RECORD_USAGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.RecordUsage = b
		}
	}
	if v := os.Getenv("NOTECORE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Monitor.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("NOTECORE_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.Metrics.Port = n
		}
	}
	if v := os.Getenv("NOTECORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NOTECORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks configuration invariants
func (c *Configuration) Validate() error {
	if c.Store.Path == "" {
		return validationError("store.path cannot be empty")
	}
	if c.Cache.MaxEntries <= 0 {
		return validationError("cache.max_entries must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return validationError("cache.max_size must be positive")
	}
	if c.Cache.CompressionThreshold < 0 {
		return validationError("cache.compression_threshold cannot be negative")
	}
	if c.Cache.CleanupInterval <= 0 {
		return validationError("cache.cleanup_interval must be positive")
	}
	if c.FileOps.LockTimeout <= 0 {
		return validationError("fileops.lock_timeout must be positive")
	}
	if c.FileOps.LockRetryInterval <= 0 {
		return validationError("fileops.lock_retry_interval must be positive")
	}
	if c.FileOps.LockRetryInterval >= c.FileOps.LockTimeout {
		return validationError("fileops.lock_retry_interval must be shorter than lock_timeout")
	}
	for tier, limits := range c.RateLimit.Tiers {
		if limits.BurstLimit > 0 && limits.RefillPerSecond <= 0 {
			return validationError(fmt.Sprintf("ratelimit.tiers.%s: bounded tier needs a positive refill rate", tier))
		}
	}
	if c.Monitor.SampleInterval <= 0 {
		return validationError("monitor.sample_interval must be positive")
	}
	if c.Monitor.Metrics.Enabled && (c.Monitor.Metrics.Port <= 0 || c.Monitor.Metrics.Port > 65535) {
		return validationError("monitor.metrics.port must be a valid port")
	}
	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return validationError(fmt.Sprintf("logging.level: %v", err))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return validationError("logging.format must be \"text\" or \"json\"")
	}
	return nil
}

func validationError(message string) error {
	return errors.NewError(errors.ErrCodeConfigValidation, message).WithComponent("config")
}

// SaveToFile writes the configuration as YAML
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "failed to marshal config").
			WithComponent("config").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to write config file").
			WithComponent("config").WithContext("path", path).WithCause(err)
	}
	return nil
}

// BuildLogger constructs the structured logger described by the Logging
// section.
func (c *Configuration) BuildLogger() *utils.StructuredLogger {
	level, err := utils.ParseLogLevel(c.Logging.Level)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatText
	if c.Logging.Format == "json" {
		format = utils.FormatJSON
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stdout,
		Format:        format,
		IncludeCaller: c.Logging.IncludeCaller,
	})
}
