package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Tracking TrackingConfig `yaml:"tracking"`
	SES      SESConfig      `yaml:"ses"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the distributed rate limiter.
// When URL is empty the engine falls back to the in-process limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig holds dispatch worker pool and retry policy settings.
type EngineConfig struct {
	NumWorkers          int   `yaml:"num_workers"`
	BatchSize           int   `yaml:"batch_size"`
	PollIntervalMs      int   `yaml:"poll_interval_ms"`
	LeaseTimeoutSec     int   `yaml:"lease_timeout_seconds"`
	RecoveryIntervalSec int   `yaml:"recovery_interval_seconds"`
	MaxAttempts         int   `yaml:"max_attempts"`
	BackoffBaseSec      int   `yaml:"backoff_base_seconds"`
	BackoffMaxSec       int   `yaml:"backoff_max_seconds"`
	DefaultSendRate     int   `yaml:"default_send_rate"`
	MaxQueueDepth       int64 `yaml:"max_queue_depth"`
}

// PollInterval returns the worker idle poll interval.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// LeaseTimeout returns how long a processing lease is honored before the
// recovery worker reclaims it.
func (e EngineConfig) LeaseTimeout() time.Duration {
	return time.Duration(e.LeaseTimeoutSec) * time.Second
}

// RecoveryInterval returns how often expired leases are scanned for.
func (e EngineConfig) RecoveryInterval() time.Duration {
	return time.Duration(e.RecoveryIntervalSec) * time.Second
}

// BackoffBase returns the first retry delay.
func (e EngineConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseSec) * time.Second
}

// BackoffMax returns the retry delay cap.
func (e EngineConfig) BackoffMax() time.Duration {
	return time.Duration(e.BackoffMaxSec) * time.Second
}

// TrackingConfig holds tracking endpoint settings.
type TrackingConfig struct {
	BaseURL         string `yaml:"base_url"`
	Port            int    `yaml:"port"`
	DefaultRedirect string `yaml:"default_redirect"`
}

// SESConfig holds AWS SES credentials for the outbound transport.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the config file (if present) and applies environment
// variable overrides. A missing file is not an error: everything has a
// default or an env var.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env for local development; absent in production
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TRACKING_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_DEFAULT_REDIRECT"); v != "" {
		cfg.Tracking.DefaultRedirect = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("ENGINE_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.NumWorkers = n
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Engine.NumWorkers == 0 {
		cfg.Engine.NumWorkers = 10
	}
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = 50
	}
	if cfg.Engine.PollIntervalMs == 0 {
		cfg.Engine.PollIntervalMs = 250
	}
	if cfg.Engine.LeaseTimeoutSec == 0 {
		cfg.Engine.LeaseTimeoutSec = 300
	}
	if cfg.Engine.RecoveryIntervalSec == 0 {
		cfg.Engine.RecoveryIntervalSec = 120
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = 5
	}
	if cfg.Engine.BackoffBaseSec == 0 {
		cfg.Engine.BackoffBaseSec = 30
	}
	if cfg.Engine.BackoffMaxSec == 0 {
		cfg.Engine.BackoffMaxSec = 900
	}
	if cfg.Engine.DefaultSendRate == 0 {
		cfg.Engine.DefaultSendRate = 600
	}
	if cfg.Engine.MaxQueueDepth == 0 {
		cfg.Engine.MaxQueueDepth = 100000
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
}
