package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultCacheBudgetBytes = 256 * 1024 * 1024 // 256 MiB of decoded line text
	DefaultDebounceWindow   = 50 * time.Millisecond
	DefaultPollInterval     = 2 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	// Content cache
	CacheBudgetBytes int64         // global decoded-bytes budget
	CacheIdleTTL     time.Duration // 0 disables idle expiry

	// Watcher
	DebounceWindow time.Duration // burst-collapse window
	PollInterval   time.Duration // stat fallback for missed events

	// Session store (CLI scroll positions)
	SessionDBPath string

	// Observability
	LogLevel string
	LogFile  string
}

// fileConfig mirrors Config for the YAML file, with durations as strings
// ("150ms", "2s") and pointers so absent keys leave defaults untouched.
type fileConfig struct {
	CacheBudgetBytes *int64  `yaml:"cache_budget_bytes"`
	CacheIdleTTL     *string `yaml:"cache_idle_ttl"`
	DebounceWindow   *string `yaml:"debounce_window"`
	PollInterval     *string `yaml:"poll_interval"`
	SessionDBPath    *string `yaml:"session_db"`
	LogLevel         *string `yaml:"log_level"`
	LogFile          *string `yaml:"log_file"`
}

// Load builds the configuration: defaults, then the optional YAML file named
// by LOGQUERY_CONFIG, then environment variables on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LOGQUERY_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.CacheBudgetBytes = getEnvInt64("LOGQUERY_CACHE_BUDGET", cfg.CacheBudgetBytes)
	cfg.CacheIdleTTL = getEnvDuration("LOGQUERY_CACHE_IDLE_TTL", cfg.CacheIdleTTL)
	cfg.DebounceWindow = getEnvDuration("LOGQUERY_DEBOUNCE", cfg.DebounceWindow)
	cfg.PollInterval = getEnvDuration("LOGQUERY_POLL_INTERVAL", cfg.PollInterval)
	cfg.SessionDBPath = getEnv("LOGQUERY_SESSION_DB", cfg.SessionDBPath)
	cfg.LogLevel = getEnv("LOGQUERY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOGQUERY_LOG_FILE", cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CacheBudgetBytes: DefaultCacheBudgetBytes,
		DebounceWindow:   DefaultDebounceWindow,
		PollInterval:     DefaultPollInterval,
		LogLevel:         "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("cache budget must be positive, got %d", c.CacheBudgetBytes)
	}
	if c.CacheIdleTTL < 0 {
		return fmt.Errorf("cache idle TTL must not be negative, got %s", c.CacheIdleTTL)
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce window must be positive, got %s", c.DebounceWindow)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// applyFile overlays values from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.CacheBudgetBytes != nil {
		c.CacheBudgetBytes = *fc.CacheBudgetBytes
	}
	if fc.SessionDBPath != nil {
		c.SessionDBPath = *fc.SessionDBPath
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFile != nil {
		c.LogFile = *fc.LogFile
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{raw: deref(fc.CacheIdleTTL), dst: &c.CacheIdleTTL, key: "cache_idle_ttl"},
		{raw: deref(fc.DebounceWindow), dst: &c.DebounceWindow, key: "debounce_window"},
		{raw: deref(fc.PollInterval), dst: &c.PollInterval, key: "poll_interval"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in config file %s: %w", d.key, path, err)
		}
		*d.dst = v
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64 gets an integer environment variable or returns a default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable ("150ms", "2s") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
