package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no explicit path or MUTQ_CONFIG_PATH is given.
const DefaultPath = "configs/default.yaml"

// Config is the root configuration structure.
// It is read-only after Load() returns.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Remote  RemoteConfig  `yaml:"remote"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Report  ReportConfig  `yaml:"report"`
}

// QueueConfig contains retry settings for the mutation queue.
type QueueConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	BaseDelay    Duration `yaml:"base_delay"`
	FlushTimeout Duration `yaml:"flush_timeout"`
}

// WorkerConfig contains flush pool settings.
type WorkerConfig struct {
	WorkerCount int `yaml:"worker_count"`
	BufferSize  int `yaml:"buffer_size"`
}

// RemoteConfig contains the remote service address and fault injection.
type RemoteConfig struct {
	Addr     string   `yaml:"addr"`
	FailRate float64  `yaml:"fail_rate"`
	Latency  Duration `yaml:"latency"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReportConfig contains the inspection report location. Empty disables it.
type ReportConfig struct {
	Path string `yaml:"path"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence: defaults → YAML file → env vars.
// An empty path falls back to MUTQ_CONFIG_PATH and then DefaultPath; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = getEnv("MUTQ_CONFIG_PATH", DefaultPath)
	}
	if err := loadYAMLFile(cfg, path); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file that must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxRetries:   3,
			BaseDelay:    Duration(time.Second),
			FlushTimeout: Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			WorkerCount: 4,
			BufferSize:  100,
		},
		Remote: RemoteConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies MUTQ_* environment variables.
// Only non-empty, parseable values override config values.
func applyEnvOverrides(cfg *Config) {
	// Queue
	if v := os.Getenv("MUTQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("MUTQ_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.BaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("MUTQ_FLUSH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.FlushTimeout = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("MUTQ_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.WorkerCount = n
		}
	}
	if v := os.Getenv("MUTQ_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BufferSize = n
		}
	}

	// Remote
	if v := os.Getenv("MUTQ_REMOTE_ADDR"); v != "" {
		cfg.Remote.Addr = v
	}
	if v := os.Getenv("MUTQ_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Remote.FailRate = f
		}
	}
	if v := os.Getenv("MUTQ_LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Latency = Duration(d)
		}
	}

	// Metrics
	if v := os.Getenv("MUTQ_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MUTQ_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}

	// Log
	if v := os.Getenv("MUTQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MUTQ_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Report
	if v := os.Getenv("MUTQ_REPORT_PATH"); v != "" {
		cfg.Report.Path = v
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if c.Queue.BaseDelay < 0 {
		errs = append(errs, errors.New("queue.base_delay must not be negative"))
	}
	if c.Queue.FlushTimeout < 0 {
		errs = append(errs, errors.New("queue.flush_timeout must not be negative"))
	}
	if c.Worker.WorkerCount < 1 {
		errs = append(errs, errors.New("worker.worker_count must be at least 1"))
	}
	if c.Worker.BufferSize < 0 {
		errs = append(errs, errors.New("worker.buffer_size must not be negative"))
	}
	if c.Remote.FailRate < 0 || c.Remote.FailRate > 1 {
		errs = append(errs, fmt.Errorf("remote.fail_rate must be within [0, 1], got %v", c.Remote.FailRate))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
