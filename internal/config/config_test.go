package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimalConfig = `
server:
  addr: ":8080"
presets:
  path: "presets.json"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, defaultWorkers, cfg.Coordinator.Workers)
	assert.Equal(t, defaultMaxConcurrent, cfg.Coordinator.MaxConcurrent)
	assert.Equal(t, defaultRequestsPerSecond, cfg.Coordinator.RequestsPerSecond)
	assert.Equal(t, 50*time.Millisecond, cfg.CoalesceWindow())
	assert.Equal(t, 5*time.Second, cfg.HealthPollInterval())
	assert.Equal(t, ThresholdConfig{Low: 25, Medium: 50, High: 75, Critical: 100}, cfg.Coordinator.QueueThresholds)
	assert.Equal(t, defaultCircuitFailures, cfg.Circuit.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.CircuitResetTimeout())
	assert.Equal(t, "lru", cfg.Cache.EvictionPolicy)
	assert.Equal(t, 5*time.Second, cfg.ScanDefaultInterval())
	assert.Equal(t, time.Second, cfg.ScanTickInterval())
	assert.Equal(t, defaultMaxResults, cfg.Scan.MaxResults)
	assert.Equal(t, "mock", cfg.Upstream.Provider)
	assert.Equal(t, defaultWSQueueSize, cfg.WebSocket.QueueSize)
	assert.Equal(t, time.Hour, cfg.IVHistoryCacheTTL())
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("SCANNER_TOKEN", "s3cret")
	t.Setenv("IV_API_KEY", "key-123")

	cfg, err := Load(writeConfig(t, `
server:
  addr: ":9090"
  auth_token: "${SCANNER_TOKEN}"
iv_history:
  base_url: "https://iv.example.com"
  api_key: "${IV_API_KEY}"
presets:
  path: "presets.json"
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, "key-123", cfg.IVHistory.APIKey)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
scan:
  default_intreval: "10s"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_intreval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Environment.LogLevel = "verbose" },
			wantErr: "environment.log_level",
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Coordinator.Workers = -1 },
			wantErr: "coordinator.workers",
		},
		{
			name:    "zero rate",
			mutate:  func(c *Config) { c.Coordinator.RequestsPerSecond = -4 },
			wantErr: "coordinator.requests_per_second",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Coordinator.CoalesceWindow = "fifty" },
			wantErr: "coordinator.coalesce_window",
		},
		{
			name: "thresholds out of order",
			mutate: func(c *Config) {
				c.Coordinator.QueueThresholds = ThresholdConfig{Low: 50, Medium: 25, High: 75, Critical: 100}
			},
			wantErr: "queue_thresholds",
		},
		{
			name:    "unsupported eviction policy",
			mutate:  func(c *Config) { c.Cache.EvictionPolicy = "fifo" },
			wantErr: "cache.eviction_policy",
		},
		{
			name:    "scan interval below floor",
			mutate:  func(c *Config) { c.Scan.DefaultInterval = "100ms" },
			wantErr: "scan.default_interval",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Upstream.Provider = "csv" },
			wantErr: "upstream.provider",
		},
		{
			name:    "gateway without base url",
			mutate:  func(c *Config) { c.Upstream.Provider = "gateway" },
			wantErr: "upstream.base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationAccessorsOnUnvalidatedConfig(t *testing.T) {
	var cfg Config
	assert.Zero(t, cfg.CoalesceWindow())
	assert.Zero(t, cfg.ScanDefaultInterval())
}
