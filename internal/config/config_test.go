package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/types"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// TestDefaultConfig tests the creation of default configuration
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		verify func(*testing.T, *Config)
	}{
		{
			name: "orchestrator defaults",
			verify: func(t *testing.T, c *Config) {
				if c.Orchestrator.Concurrency != 3 {
					t.Errorf("Orchestrator.Concurrency = %v, want 3", c.Orchestrator.Concurrency)
				}
				if c.Orchestrator.UnitTimeout != 30*time.Second {
					t.Errorf("Orchestrator.UnitTimeout = %v, want 30s", c.Orchestrator.UnitTimeout)
				}
				if c.Orchestrator.QueueSize != 64 {
					t.Errorf("Orchestrator.QueueSize = %v, want 64", c.Orchestrator.QueueSize)
				}
			},
		},
		{
			name: "aggregation defaults",
			verify: func(t *testing.T, c *Config) {
				if c.Aggregation.Thresholds.Color != 2.0 {
					t.Errorf("Thresholds.Color = %v, want 2.0", c.Aggregation.Thresholds.Color)
				}
				if c.Aggregation.Thresholds.Spacing != 0.05 {
					t.Errorf("Thresholds.Spacing = %v, want 0.05", c.Aggregation.Thresholds.Spacing)
				}
			},
		},
		{
			name: "storage and logging defaults",
			verify: func(t *testing.T, c *Config) {
				if c.Storage.Driver != "memory" {
					t.Errorf("Storage.Driver = %v, want memory", c.Storage.Driver)
				}
				if c.Logging.Level != "info" {
					t.Errorf("Logging.Level = %v, want info", c.Logging.Level)
				}
				if c.Logging.Format != "text" {
					t.Errorf("Logging.Format = %v, want text", c.Logging.Format)
				}
				if got := c.Server.Addr(); got != "127.0.0.1:8080" {
					t.Errorf("Server.Addr() = %v, want 127.0.0.1:8080", got)
				}
			},
		},
		{
			name: "all provider kinds enabled",
			verify: func(t *testing.T, c *Config) {
				if !slices.Equal(c.EnabledKinds(), providers.Kinds()) {
					t.Errorf("EnabledKinds() = %v, want %v", c.EnabledKinds(), providers.Kinds())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.verify(t, cfg)
		})
	}
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copythat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  concurrency: 5
  unit_timeout: 2s
aggregation:
  thresholds:
    color: 3.5
graph:
  min_base_unit: 4
providers:
  kinds: [segmentation]
storage:
  driver: sqlite
  dsn: /tmp/snapshots.db
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.UnitTimeout)
	assert.Equal(t, 64, cfg.Orchestrator.QueueSize, "unset keys keep defaults")
	assert.Equal(t, 3.5, cfg.Aggregation.Thresholds.Color)
	assert.Equal(t, 0.05, cfg.Aggregation.Thresholds.Spacing)
	assert.Equal(t, 4.0, cfg.Graph.MinBaseUnit)
	assert.Equal(t, []providers.Kind{providers.KindSegmentation}, cfg.EnabledKinds())

	oc := cfg.ToOrchestratorConfig()
	assert.Equal(t, 5, oc.Concurrency)
	assert.Equal(t, 2*time.Second, oc.UnitTimeout)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("COPYTHAT_CONCURRENCY=7\nCOPYTHAT_LOG_FORMAT=json\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("COPYTHAT_CONCURRENCY")
		os.Unsetenv("COPYTHAT_LOG_FORMAT")
	})

	cfg, err := Load("", envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.Concurrency)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"COPYTHAT_CONCURRENCY":     "8",
		"COPYTHAT_UNIT_TIMEOUT":    "1m",
		"COPYTHAT_COLOR_THRESHOLD": "1.5",
		"COPYTHAT_STORAGE_DRIVER":  "sqlite",
		"COPYTHAT_STORAGE_DSN":     ":memory:",
		"COPYTHAT_SERVER_PORT":     "9090",
	}))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Orchestrator.Concurrency)
	assert.Equal(t, time.Minute, cfg.Orchestrator.UnitTimeout)
	assert.Equal(t, 1.5, cfg.Aggregation.Thresholds.Color)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.NoError(t, cfg.Validate())

	err = DefaultConfig().ApplyEnv(envMap(map[string]string{
		"COPYTHAT_CONCURRENCY":  "many",
		"COPYTHAT_UNIT_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.True(t, types.IsErrorCategory(err, types.ErrorCategoryConfiguration))
	assert.Contains(t, err.Error(), "COPYTHAT_CONCURRENCY")
	assert.Contains(t, err.Error(), "COPYTHAT_UNIT_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero concurrency", mutate: func(c *Config) { c.Orchestrator.Concurrency = 0 }},
		{name: "negative color threshold", mutate: func(c *Config) { c.Aggregation.Thresholds.Color = -1 }},
		{name: "unknown storage driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }},
		{name: "unknown provider kind", mutate: func(c *Config) { c.Providers.Kinds = []string{"normals"} }},
		{name: "multiple tolerance too wide", mutate: func(c *Config) { c.Graph.MultipleTolerance = 0.5 }},
		{name: "alias tolerance above merge threshold", mutate: func(c *Config) { c.Graph.AliasTolerance = 5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !types.IsErrorCategory(err, types.ErrorCategoryConfiguration) {
				t.Errorf("Validate() = %v, want a configuration error", err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, types.IsErrorCategory(err, types.ErrorCategoryConfiguration))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator: [unclosed"), 0o600))
	_, err = Load(path)
	assert.True(t, types.IsErrorCategory(err, types.ErrorCategoryConfiguration))
}
