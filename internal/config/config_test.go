package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// clearEnv blanks every MUTQ_* variable for the duration of the test.
// Empty values are ignored by applyEnvOverrides.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"MUTQ_CONFIG_PATH",
		"MUTQ_MAX_RETRIES",
		"MUTQ_BASE_DELAY",
		"MUTQ_FLUSH_TIMEOUT",
		"MUTQ_WORKER_COUNT",
		"MUTQ_BUFFER_SIZE",
		"MUTQ_REMOTE_ADDR",
		"MUTQ_FAIL_RATE",
		"MUTQ_LATENCY",
		"MUTQ_METRICS_ENABLED",
		"MUTQ_METRICS_PORT",
		"MUTQ_LOG_LEVEL",
		"MUTQ_LOG_FORMAT",
		"MUTQ_REPORT_PATH",
	} {
		t.Setenv(v, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Queue.FlushTimeout.Std())
	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 100, cfg.Worker.BufferSize)
	assert.Equal(t, "127.0.0.1:8080", cfg.Remote.Addr)
	assert.Zero(t, cfg.Remote.FailRate)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Report.Path)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
queue:
  max_retries: 5
  base_delay: 250ms
  flush_timeout: 1m
worker:
  worker_count: 8
  buffer_size: 16
remote:
  addr: "localhost:9999"
  fail_rate: 0.25
  latency: 10ms
metrics:
  enabled: true
  port: 9191
log:
  level: debug
  format: json
report:
  path: /tmp/mutq/report.json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BaseDelay.Std())
	assert.Equal(t, time.Minute, cfg.Queue.FlushTimeout.Std())
	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	assert.Equal(t, 16, cfg.Worker.BufferSize)
	assert.Equal(t, "localhost:9999", cfg.Remote.Addr)
	assert.Equal(t, 0.25, cfg.Remote.FailRate)
	assert.Equal(t, 10*time.Millisecond, cfg.Remote.Latency.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/mutq/report.json", cfg.Report.Path)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "worker:\n  worker_count: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.WorkerCount)
	assert.Equal(t, 100, cfg.Worker.BufferSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "queue:\n  max_retries: 5\nlog:\n  level: debug\n")

	t.Setenv("MUTQ_MAX_RETRIES", "1")
	t.Setenv("MUTQ_BASE_DELAY", "5ms")
	t.Setenv("MUTQ_WORKER_COUNT", "12")
	t.Setenv("MUTQ_FAIL_RATE", "0.5")
	t.Setenv("MUTQ_METRICS_ENABLED", "1")
	t.Setenv("MUTQ_LOG_LEVEL", "warn")
	t.Setenv("MUTQ_REPORT_PATH", "out.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Queue.MaxRetries)
	assert.Equal(t, 5*time.Millisecond, cfg.Queue.BaseDelay.Std())
	assert.Equal(t, 12, cfg.Worker.WorkerCount)
	assert.Equal(t, 0.5, cfg.Remote.FailRate)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "out.json", cfg.Report.Path)
}

func TestLoad_InvalidEnvValuesIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("MUTQ_MAX_RETRIES", "many")
	t.Setenv("MUTQ_BASE_DELAY", "soon")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay.Std())
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "worker:\n  worker_count: 7\n")
	t.Setenv("MUTQ_CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Worker.WorkerCount)
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeConfig(t, "queue: [oops"))
	assert.ErrorContains(t, err, "parsing config file")

	_, err = Load(writeConfig(t, "queue:\n  base_delay: fast\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "max_retries"},
		{"negative delay", func(c *Config) { c.Queue.BaseDelay = Duration(-time.Second) }, "base_delay"},
		{"no workers", func(c *Config) { c.Worker.WorkerCount = 0 }, "worker_count"},
		{"fail rate", func(c *Config) { c.Remote.FailRate = 1.5 }, "fail_rate"},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "metrics.port"},
		{"disabled metrics port ignored", func(c *Config) { c.Metrics.Port = 0 }, ""},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.WorkerCount = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "worker_count")
	assert.ErrorContains(t, err, "log.format")
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(QueueConfig{BaseDelay: Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "base_delay: 1.5s")

	var q QueueConfig
	require.NoError(t, yaml.Unmarshal(out, &q))
	assert.Equal(t, 1500*time.Millisecond, q.BaseDelay.Std())
}
