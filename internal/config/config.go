// Package config handles monitor core configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Environment variables
// 2. Config file (YAML)
// 3. Defaults
//
// # Example Config File
//
//	database:
//	  url: postgres://localhost:5432/upmon?sslmode=disable
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	worker:
//	  concurrency: 50
//	  rate_limit_per_sec: 100
//
//	smtp:
//	  host: smtp.example.com
//	  port: 587
//	  from_email: alerts@example.com
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete monitor core configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Retention RetentionConfig `yaml:"retention"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Timezone  string          `yaml:"timezone"`
}

// DatabaseConfig defines the target/observation store connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig defines the queue and pub/sub connection. URL wins when set;
// otherwise Host/Port/Password are assembled into one.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// EffectiveURL resolves the Redis connection string.
func (r RedisConfig) EffectiveURL() string {
	if r.URL != "" {
		return r.URL
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d", r.Password, host, port)
	}
	return fmt.Sprintf("redis://%s:%d", host, port)
}

// SchedulerConfig defines defaults applied when a target config is silent.
type SchedulerConfig struct {
	DefaultFrequencyMinutes int     `yaml:"default_frequency_minutes"`
	DefaultThresholdMs      float64 `yaml:"default_threshold_ms"`
}

// WorkerConfig defines the probe worker pool shape.
type WorkerConfig struct {
	Concurrency     int `yaml:"concurrency"`
	RateLimitPerSec int `yaml:"rate_limit_per_sec"`
}

// AlertsConfig defines the alert pipeline shape.
type AlertsConfig struct {
	Concurrency     int `yaml:"concurrency"`
	RateLimitPerSec int `yaml:"rate_limit_per_sec"`
}

// RetentionConfig defines the sweeper's data lifetime knobs.
type RetentionConfig struct {
	CheckDataDays int `yaml:"check_data_days"`
	LogDays       int `yaml:"log_days"`
}

// SMTPConfig defines the email sink.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password,omitempty"`
	FromEmail string `yaml:"from_email"`
}

// Addr returns the host:port dial address.
func (s SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/upmon?sslmode=disable",
		},
		Scheduler: SchedulerConfig{
			DefaultFrequencyMinutes: 5,
			DefaultThresholdMs:      1000,
		},
		Worker: WorkerConfig{
			Concurrency:     50,
			RateLimitPerSec: 100,
		},
		Alerts: AlertsConfig{
			Concurrency:     10,
			RateLimitPerSec: 50,
		},
		Retention: RetentionConfig{
			CheckDataDays: 1,
			LogDays:       2,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		Timezone: "UTC",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "UPMON_DATABASE_URL", "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.User, "SMTP_USER")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.FromEmail, "SMTP_FROM_EMAIL")

	setString(&c.Timezone, "TIMEZONE")

	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	setInt(&c.Worker.RateLimitPerSec, "WORKER_RATE_LIMIT_PER_SEC")
	setInt(&c.Scheduler.DefaultFrequencyMinutes, "DEFAULT_CHECK_FREQUENCY")
	setFloat(&c.Scheduler.DefaultThresholdMs, "DEFAULT_RESPONSE_THRESHOLD")
	setInt(&c.Retention.CheckDataDays, "CHECK_DATA_RETENTION_DAYS")
	setInt(&c.Retention.LogDays, "LOG_RETENTION_DAYS")
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RateLimitPerSec < 1 {
		return fmt.Errorf("worker rate limit must be >= 1, got %d", c.Worker.RateLimitPerSec)
	}
	if c.Scheduler.DefaultFrequencyMinutes < 1 {
		return fmt.Errorf("default check frequency must be >= 1, got %d", c.Scheduler.DefaultFrequencyMinutes)
	}
	if c.Scheduler.DefaultThresholdMs < 100 {
		return fmt.Errorf("default response threshold must be >= 100ms, got %g", c.Scheduler.DefaultThresholdMs)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured IANA timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			*dst = val
			return
		}
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}
