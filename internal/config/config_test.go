package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Ingest.PollInterval)
	assert.Equal(t, 30, cfg.Backfill.Days)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "https://api.example.test")
	t.Setenv("PORT", "9191")
	t.Setenv("POLL_INTERVAL_MS", "60000")
	t.Setenv("USE_HYBRID_MODE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.Upstream.BaseURL)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Ingest.PollInterval)
	assert.False(t, cfg.Ingest.UseHybridMode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.Upstream.BaseURL = "" }},
		{"zero weight budget", func(c *Config) { c.Upstream.WeightPerMinute = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"sub-second poll", func(c *Config) { c.Ingest.PollInterval = 100 * time.Millisecond }},
		{"zero backfill days", func(c *Config) { c.Backfill.Days = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	data := []byte("server:\n  port: 3000\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	// untouched sections keep defaults
	assert.Equal(t, "https://api.hyperliquid.xyz", cfg.Upstream.BaseURL)
}
