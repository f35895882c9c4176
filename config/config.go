package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations for the expvar /
// statsviz endpoint.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// SelfMonitoringConfig holds configuration for the disk/memory monitor.
type SelfMonitoringConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Interval     string `yaml:"interval"`
	MetricPrefix string `yaml:"metric_prefix"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// ReplicationConfig holds the configuration for the replication backlog.
type ReplicationConfig struct {
	// Mode is one of "leader", "follower", or "disabled".
	Mode string `yaml:"mode"`

	// ReplBacklogSize is the total capacity in bytes of the ring WAL
	// across all of its segments. Zero disables replication entirely.
	ReplBacklogSize int64 `yaml:"repl_backlog_size"`
	// ReplBacklogCacheSize is passed to BacklogOptions.CacheSize. The
	// backlog keeps no in-memory ring cache, so the value has no effect.
	ReplBacklogCacheSize int64 `yaml:"repl_backlog_cache_size"`
	// ReplBacklogSegmentCount is the number of fixed-size segment files
	// ReplBacklogSize is divided across.
	ReplBacklogSegmentCount int `yaml:"repl_backlog_segment_count"`
	// ReplBacklogSyncPeriod is how often, in seconds, the reactor's
	// routine calls FlushSyncWAL. Zero disables periodic sync (callers
	// must sync explicitly).
	ReplBacklogSyncPeriod int `yaml:"repl_backlog_sync_period"`
	// ReplDataDir is the directory holding the ring segment files and
	// the ReplMeta file.
	ReplDataDir string `yaml:"repl_data_dir"`

	// MasterHost/MasterPort name this instance's master when Mode is
	// "follower". Empty MasterHost means this instance is itself a
	// master (or standalone).
	MasterHost string `yaml:"master_host"`
	MasterPort int    `yaml:"master_port"`
}

// Config is the top-level configuration struct.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Replication    ReplicationConfig    `yaml:"replication"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "replbacklog.log",
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:      true,
			Interval:     "15s",
			MetricPrefix: "__",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Replication: ReplicationConfig{
			Mode:                    "disabled",
			ReplBacklogSize:         64 * 1024 * 1024, // 64 MiB
			ReplBacklogCacheSize:    1 * 1024 * 1024,  // 1 MiB
			ReplBacklogSegmentCount: 8,
			ReplBacklogSyncPeriod:   1,
			ReplDataDir:             "./data/repl",
			MasterHost:              "",
			MasterPort:              0,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	// Read all data from the reader
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
