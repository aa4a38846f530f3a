package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheBudgetBytes != DefaultCacheBudgetBytes {
		t.Errorf("CacheBudgetBytes = %d, want %d", cfg.CacheBudgetBytes, DefaultCacheBudgetBytes)
	}
	if cfg.DebounceWindow != DefaultDebounceWindow {
		t.Errorf("DebounceWindow = %s, want %s", cfg.DebounceWindow, DefaultDebounceWindow)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOGQUERY_CACHE_BUDGET", "1048576")
	t.Setenv("LOGQUERY_DEBOUNCE", "150ms")
	t.Setenv("LOGQUERY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheBudgetBytes != 1048576 {
		t.Errorf("CacheBudgetBytes = %d, want 1048576", cfg.CacheBudgetBytes)
	}
	if cfg.DebounceWindow != 150*time.Millisecond {
		t.Errorf("DebounceWindow = %s, want 150ms", cfg.DebounceWindow)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logquery.yaml")
	content := "cache_budget_bytes: 2048\nlog_level: warn\npoll_interval: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOGQUERY_CONFIG", path)
	t.Setenv("LOGQUERY_LOG_LEVEL", "error") // env wins over file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheBudgetBytes != 2048 {
		t.Errorf("CacheBudgetBytes = %d, want 2048", cfg.CacheBudgetBytes)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %s, want 5s", cfg.PollInterval)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero budget", mutate: func(c *Config) { c.CacheBudgetBytes = 0 }, wantErr: true},
		{name: "negative idle ttl", mutate: func(c *Config) { c.CacheIdleTTL = -time.Second }, wantErr: true},
		{name: "zero debounce", mutate: func(c *Config) { c.DebounceWindow = 0 }, wantErr: true},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
