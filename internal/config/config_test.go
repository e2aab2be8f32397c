package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Worker.Concurrency != 50 {
		t.Errorf("Worker.Concurrency = %d, want 50", cfg.Worker.Concurrency)
	}
	if cfg.Worker.RateLimitPerSec != 100 {
		t.Errorf("Worker.RateLimitPerSec = %d, want 100", cfg.Worker.RateLimitPerSec)
	}
	if cfg.Scheduler.DefaultFrequencyMinutes != 5 {
		t.Errorf("DefaultFrequencyMinutes = %d, want 5", cfg.Scheduler.DefaultFrequencyMinutes)
	}
	if cfg.Scheduler.DefaultThresholdMs != 1000 {
		t.Errorf("DefaultThresholdMs = %g, want 1000", cfg.Scheduler.DefaultThresholdMs)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Timezone)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upmon.yaml")
	content := `
database:
  url: postgres://db.test:5432/upmon
worker:
  concurrency: 10
  rate_limit_per_sec: 20
timezone: America/New_York
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://db.test:5432/upmon" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Worker.Concurrency != 10 {
		t.Errorf("Worker.Concurrency = %d, want 10", cfg.Worker.Concurrency)
	}
	// Untouched fields keep defaults.
	if cfg.Alerts.Concurrency != 10 {
		t.Errorf("Alerts.Concurrency = %d, want default 10", cfg.Alerts.Concurrency)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if _, err := cfg.Location(); err != nil {
		t.Errorf("Location: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env.test/upmon")
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("DEFAULT_RESPONSE_THRESHOLD", "2500")
	t.Setenv("REDIS_HOST", "redis.test")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://env.test/upmon" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Worker.Concurrency != 7 {
		t.Errorf("Worker.Concurrency = %d, want 7", cfg.Worker.Concurrency)
	}
	if cfg.Scheduler.DefaultThresholdMs != 2500 {
		t.Errorf("DefaultThresholdMs = %g, want 2500", cfg.Scheduler.DefaultThresholdMs)
	}
	if got := cfg.Redis.EffectiveURL(); got != "redis://:hunter2@redis.test:6380" {
		t.Errorf("Redis.EffectiveURL = %q", got)
	}
}

func TestRedisURLWinsOverHostPort(t *testing.T) {
	cfg := RedisConfig{URL: "redis://explicit:6379/1", Host: "other", Port: 7000}
	if got := cfg.EffectiveURL(); got != "redis://explicit:6379/1" {
		t.Errorf("EffectiveURL = %q", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero concurrency")
	}

	cfg = DefaultConfig()
	cfg.Timezone = "Not/AZone"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad timezone")
	}

	cfg = DefaultConfig()
	cfg.Scheduler.DefaultThresholdMs = 50
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for threshold under 100ms")
	}
}
