package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wg-telemetry/pkg/logging"
)

const defaultPort = "8080"

// Poll sources.
const (
	SourceCommand = "command"
	SourceWgctrl  = "wgctrl"
)

// Config application configuration structure
type Config struct {
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Stream    StreamConfig    `yaml:"stream"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// TelemetryConfig controls how the cache is refreshed
type TelemetryConfig struct {
	PollCommand       string `yaml:"poll_command"`        // Command whose output is parsed (default "wg show all dump")
	PollTimeoutMs     int    `yaml:"poll_timeout_ms"`     // Per-poll timeout
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"` // Time between polls
	Source            string `yaml:"source"`              // "command" or "wgctrl"
	ShutdownGraceMs   int    `yaml:"shutdown_grace_ms"`   // How long an in-flight poll may run after shutdown starts
}

// StreamConfig controls live subscriptions
type StreamConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms"` // Time between emissions per subscription
	LifetimeMs     int `yaml:"lifetime_ms"`      // Maximum subscription lifetime
	Workers        int `yaml:"workers"`          // Shared scheduler worker count
}

// ServerConfig HTTP listener configuration
type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	TelemetryPath  string `yaml:"telemetry_path"` // Metrics path
	APIPrefix      string `yaml:"api_prefix"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"` // Per-event write deadline on streaming connections
}

// LogConfig log configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"` // Optional, rotated with lumberjack
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Try default path
		configPath = "config.yaml"
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	config.SetDefaults()

	// Apply environment variable overrides
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration built from defaults and the environment.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Telemetry.PollCommand == "" {
		c.Telemetry.PollCommand = "wg show all dump"
	}
	if c.Telemetry.PollTimeoutMs == 0 {
		c.Telemetry.PollTimeoutMs = 10000
	}
	if c.Telemetry.RefreshIntervalMs == 0 {
		c.Telemetry.RefreshIntervalMs = 5000
	}
	if c.Telemetry.Source == "" {
		c.Telemetry.Source = SourceCommand
	}
	if c.Telemetry.ShutdownGraceMs == 0 {
		c.Telemetry.ShutdownGraceMs = 5000
	}

	if c.Stream.TickIntervalMs == 0 {
		c.Stream.TickIntervalMs = 5000
	}
	if c.Stream.LifetimeMs == 0 {
		c.Stream.LifetimeMs = 30 * 60 * 1000
	}
	if c.Stream.Workers == 0 {
		c.Stream.Workers = 2
	}

	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":" + defaultPort
	}
	if c.Server.TelemetryPath == "" {
		c.Server.TelemetryPath = "/metrics"
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = "/api/v1"
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Telemetry
	if val := os.Getenv("WG_POLL_COMMAND"); val != "" {
		c.Telemetry.PollCommand = val
	}
	envInt("WG_POLL_TIMEOUT_MS", &c.Telemetry.PollTimeoutMs)
	envInt("WG_REFRESH_INTERVAL_MS", &c.Telemetry.RefreshIntervalMs)
	if val := os.Getenv("WG_SOURCE"); val != "" {
		c.Telemetry.Source = strings.ToLower(val)
	}

	// Stream
	envInt("STREAM_TICK_INTERVAL_MS", &c.Stream.TickIntervalMs)
	envInt("STREAM_LIFETIME_MS", &c.Stream.LifetimeMs)
	envInt("STREAM_WORKERS", &c.Stream.Workers)

	// Server
	if val := os.Getenv("LISTEN_ADDRESS"); val != "" {
		c.Server.ListenAddress = val
	}
	if val := os.Getenv("TELEMETRY_PATH"); val != "" {
		c.Server.TelemetryPath = val
	}
	c.Server.ListenAddress = NormalizeListenAddr(c.Server.ListenAddress, defaultPort)

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FILE"); val != "" {
		c.Log.File = val
	}
}

func envInt(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		logging.Warnf("[config] ignoring non-integer env override (key=%s value=%q)", key, val)
		return
	}
	*dst = i
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	positive := func(name string, v int) {
		if v <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("telemetry.poll_timeout_ms", c.Telemetry.PollTimeoutMs)
	positive("telemetry.refresh_interval_ms", c.Telemetry.RefreshIntervalMs)
	positive("telemetry.shutdown_grace_ms", c.Telemetry.ShutdownGraceMs)
	positive("stream.tick_interval_ms", c.Stream.TickIntervalMs)
	positive("stream.lifetime_ms", c.Stream.LifetimeMs)
	positive("stream.workers", c.Stream.Workers)
	positive("server.write_timeout_ms", c.Server.WriteTimeoutMs)

	if strings.TrimSpace(c.Telemetry.PollCommand) == "" && c.Telemetry.Source == SourceCommand {
		err = multierr.Append(err, errors.New("telemetry.poll_command must not be empty"))
	}
	switch c.Telemetry.Source {
	case SourceCommand, SourceWgctrl:
	default:
		err = multierr.Append(err, fmt.Errorf("telemetry.source must be %q or %q, got %q", SourceCommand, SourceWgctrl, c.Telemetry.Source))
	}
	if !strings.HasPrefix(c.Server.TelemetryPath, "/") {
		err = multierr.Append(err, fmt.Errorf("server.telemetry_path must start with /, got %q", c.Server.TelemetryPath))
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		err = multierr.Append(err, fmt.Errorf("server.api_prefix must start with /, got %q", c.Server.APIPrefix))
	}
	return err
}

// LogOptions converts the log section for logging.Init.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// GetPollTimeout gets per-poll timeout
func (c *Config) GetPollTimeout() time.Duration {
	return time.Duration(c.Telemetry.PollTimeoutMs) * time.Millisecond
}

// GetRefreshInterval gets the time between polls
func (c *Config) GetRefreshInterval() time.Duration {
	return time.Duration(c.Telemetry.RefreshIntervalMs) * time.Millisecond
}

// GetShutdownGrace gets how long an in-flight poll may run after shutdown starts
func (c *Config) GetShutdownGrace() time.Duration {
	return time.Duration(c.Telemetry.ShutdownGraceMs) * time.Millisecond
}

// GetTickInterval gets the time between emissions per subscription
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Stream.TickIntervalMs) * time.Millisecond
}

// GetStreamLifetime gets the maximum subscription lifetime
func (c *Config) GetStreamLifetime() time.Duration {
	return time.Duration(c.Stream.LifetimeMs) * time.Millisecond
}

// GetWriteTimeout gets the per-event write deadline
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}
