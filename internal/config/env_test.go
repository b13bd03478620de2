package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(env.Options{Prefix: Prefix, Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.BatchSize)
	assert.Equal(t, 50.0, cfg.ReconcileDistanceM)
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.True(t, cfg.AutoReconcile)
	assert.False(t, cfg.DeleteAfterImport)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(env.Options{Prefix: Prefix, Environment: map[string]string{
		"ADDRSYNC_IMPORT_DIR":           "/srv/import",
		"ADDRSYNC_RECONCILE_DISTANCE_M": "25.5",
		"ADDRSYNC_AUTO_RECONCILE":       "false",
		"ADDRSYNC_FETCH_URL":            "https://example.org/prg.zip",
		"ADDRSYNC_BATCH_SIZE":           "100",
	}})
	require.NoError(t, err)

	assert.Equal(t, "/srv/import", cfg.ImportDir)
	assert.Equal(t, 25.5, cfg.ReconcileDistanceM)
	assert.False(t, cfg.AutoReconcile)
	assert.Equal(t, "https://example.org/prg.zip", cfg.FetchURL)
	assert.Equal(t, 100, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative distance", func(c *Config) { c.ReconcileDistanceM = -1 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"empty import dir", func(c *Config) { c.ImportDir = "" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(env.Options{Prefix: Prefix, Environment: map[string]string{}})
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{ImportDir: root + "/import", StateDir: root + "/state", LockDir: root + "/locks"}
	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.ImportDir)
	assert.DirExists(t, cfg.LockDir)
	assert.Equal(t, root+"/state/last_fetch.sha256", cfg.HashFile())
}
