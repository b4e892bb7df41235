package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, int64(DefaultRunCost), cfg.Pipeline.RunCost)
	assert.Equal(t, DefaultCheckpointTTL, cfg.Pipeline.CheckpointTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
redis:
  addr: redis.internal:6380
pipeline:
  run_cost: 3
  checkpoint_ttl: 48h
  stale_after: 20m
  sweep_interval: 2m
workers:
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(3), cfg.Pipeline.RunCost)
	assert.Equal(t, 48*time.Hour, cfg.Pipeline.CheckpointTTL)
	assert.Equal(t, 8, cfg.Workers.Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	t.Setenv("INLET_LOG_LEVEL", "warn")
	t.Setenv("INLET_REDIS_ADDR", "env.internal:6379")
	t.Setenv("INLET_RUN_COST", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "env.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(2), cfg.Pipeline.RunCost)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"nil db config", func(c *Config) { c.DB = nil }},
		{"zero run cost", func(c *Config) { c.Pipeline.RunCost = 0 }},
		{"zero checkpoint ttl", func(c *Config) { c.Pipeline.CheckpointTTL = 0 }},
		{"zero stale after", func(c *Config) { c.Pipeline.StaleAfter = 0 }},
		{"zero max retries", func(c *Config) { c.Queue.MaxRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
