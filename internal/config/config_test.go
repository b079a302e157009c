package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  url: postgres://localhost/dispatch\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/dispatch", cfg.Database.URL)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, 10, cfg.Engine.NumWorkers)
	assert.Equal(t, 50, cfg.Engine.BatchSize)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 600, cfg.Engine.DefaultSendRate)
	assert.Equal(t, int64(100000), cfg.Engine.MaxQueueDepth)
	assert.Equal(t, 8081, cfg.Tracking.Port)
	assert.Equal(t, "us-east-1", cfg.SES.Region)
}

func TestLoad_FileValuesWin(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9090
engine:
  num_workers: 4
  batch_size: 25
  poll_interval_ms: 100
  lease_timeout_seconds: 60
  max_attempts: 3
  backoff_base_seconds: 5
  backoff_max_seconds: 120
tracking:
  base_url: https://t.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.NumWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.PollInterval())
	assert.Equal(t, time.Minute, cfg.Engine.LeaseTimeout())
	assert.Equal(t, 5*time.Second, cfg.Engine.BackoffBase())
	assert.Equal(t, 2*time.Minute, cfg.Engine.BackoffMax())
	assert.Equal(t, "https://t.example.com", cfg.Tracking.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\nredis:\n  url: redis://file:6379\n")

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/dispatch")
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("ENGINE_NUM_WORKERS", "16")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "env beats file")
	assert.Equal(t, "postgres://env/dispatch", cfg.Database.URL)
	assert.Equal(t, "redis://env:6379", cfg.Redis.URL)
	assert.Equal(t, 16, cfg.Engine.NumWorkers)
}

func TestLoadFromEnv_MissingFileIsFine(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/dispatch")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/dispatch", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Engine.NumWorkers)
}
