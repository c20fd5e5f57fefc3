// Package config assembles the runtime's configuration the way
// oriys-nova's internal/config does: typed sub-structs with sane defaults,
// loaded from an optional YAML file and then overridden by environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds connection settings for the persistent config store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds connection settings for the bucket key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig controls the cooperative thread scheduler.
type SchedulerConfig struct {
	Threads      int           `yaml:"threads"`       // OS threads in the scheduler pool, default 4
	TickInterval time.Duration `yaml:"tick_interval"` // not read: vmscheduler polls on a fixed 1ms tick
}

// WatchdogConfig controls the runaway watchdog.
type WatchdogConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`    // liveness-check cadence, default 10s
	AttributionGuard bool         `yaml:"attribution_guard"` // cross-check CurrentRunning before blaming it, off by default
}

// IsolateConfig controls per-isolate heap bounds.
type IsolateConfig struct {
	InitialHeapBytes uint64 `yaml:"initial_heap_bytes"` // default 512 KiB
	MaxHeapBytes     uint64 `yaml:"max_heap_bytes"`     // default 10 MiB
}

// QuotaConfig controls the storage quota gate.
type QuotaConfig struct {
	TenantByteCap int64 `yaml:"tenant_byte_cap"` // default 10 MiB
	RefillBatch   int64 `yaml:"refill_batch"`    // default 10 MiB, matches TenantByteCap
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // not read: tracing always uses OTLP/HTTP
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds structured operational logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig groups tracing/metrics/logging.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig holds top-level daemon settings.
type DaemonConfig struct {
	LogLevel string `yaml:"log_level"`
}

// CompilerConfig controls the external TS->JS compiler subprocess.
type CompilerConfig struct {
	Command string        `yaml:"command"` // e.g. "botloader-tsc"
	Timeout time.Duration `yaml:"timeout"` // default 10s
}

// ChatAPIConfig holds the REST client settings for the chat platform.
type ChatAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the complete runtime configuration.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Isolate       IsolateConfig       `yaml:"isolate"`
	Quota         QuotaConfig         `yaml:"quota"`
	Observability ObservabilityConfig `yaml:"observability"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Compiler      CompilerConfig      `yaml:"compiler"`
	ChatAPI       ChatAPIConfig       `yaml:"chat_api"`
}

// DefaultConfig returns a Config with every field's documented default
// value filled in.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Threads:      4,
			TickInterval: 5 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			PingInterval:     10 * time.Second,
			AttributionGuard: false,
		},
		Isolate: IsolateConfig{
			InitialHeapBytes: 512 * 1024,
			MaxHeapBytes:     10 * 1024 * 1024,
		},
		Quota: QuotaConfig{
			TenantByteCap: 10 * 1024 * 1024,
			RefillBatch:   10 * 1024 * 1024,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true, Namespace: "botloader"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		},
		Daemon:   DaemonConfig{LogLevel: "info"},
		Compiler: CompilerConfig{Command: "botloader-tsc", Timeout: 10 * time.Second},
		ChatAPI:  ChatAPIConfig{Timeout: 10 * time.Second},
	}
}

// LoadFromFile reads a YAML config file on top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg in place from well-known environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BOTLOADER_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("BOTLOADER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BOTLOADER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BOTLOADER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("BOTLOADER_WATCHDOG_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watchdog.PingInterval = d
		}
	}
	if v := os.Getenv("BOTLOADER_SCHEDULER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Threads = n
		}
	}
	if v := os.Getenv("BOTLOADER_CHAT_API_BASE_URL"); v != "" {
		cfg.ChatAPI.BaseURL = v
	}
	if v := os.Getenv("BOTLOADER_CHAT_API_TOKEN"); v != "" {
		cfg.ChatAPI.Token = v
	}
}
