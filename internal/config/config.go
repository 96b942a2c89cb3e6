// Package config provides configuration types and loading for tapwire.
package config

import (
	"log/slog"
	"time"
)

// Config is the top-level tapwire configuration. Every field can be
// set from tapwire.yaml, overridden by TAPWIRE_* environment variables,
// and finally by CLI flags.
type Config struct {
	// Log configures diagnostic logging (always to stderr — stdout is
	// the protocol channel in stdio mode).
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Proxy configures the live pipeline run.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Replay configures the replay engine defaults.
	Replay ReplayConfig `yaml:"replay" mapstructure:"replay"`

	// Metrics configures the optional Prometheus exposition server.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Archive configures the SQLite session catalog.
	Archive ArchiveConfig `yaml:"archive" mapstructure:"archive"`
}

// LogConfig controls the stderr diagnostic logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// SlogLevel maps the configured level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProxyConfig describes one proxy session.
type ProxyConfig struct {
	// Transport selects the session transport. Only stdio is
	// implemented; sse and streamable_http are protocol slots.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio sse streamable_http"`

	// TargetCommand is the MCP server executable for stdio sessions.
	TargetCommand string `yaml:"target_command" mapstructure:"target_command"`

	// TargetArgs are passed to the server executable.
	TargetArgs []string `yaml:"target_args" mapstructure:"target_args"`

	// TargetURL is the server endpoint for network transports.
	TargetURL string `yaml:"target_url" mapstructure:"target_url" validate:"omitempty,url"`

	// Intercept starts the engine in intercept mode.
	Intercept bool `yaml:"intercept" mapstructure:"intercept"`

	// InterceptRule is an optional CEL predicate selecting which
	// messages are held in intercept mode.
	InterceptRule string `yaml:"intercept_rule" mapstructure:"intercept_rule" validate:"omitempty,hold_rule"`

	// SessionFile, when set, auto-saves the session on shutdown.
	SessionFile string `yaml:"session_file" mapstructure:"session_file"`
}

// ReplayConfig holds replay engine defaults.
type ReplayConfig struct {
	// Timeout bounds the wait for each replayed response.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// AutoHandshake synthesizes an initialize exchange when the
	// replayed capture does not start with one.
	AutoHandshake bool `yaml:"auto_handshake" mapstructure:"auto_handshake"`
}

// MetricsConfig controls the Prometheus exposition server.
type MetricsConfig struct {
	// Enabled turns the /metrics listener on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:9464".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// ArchiveConfig controls the SQLite session catalog.
type ArchiveConfig struct {
	// Enabled turns catalog updates on when sessions are saved.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the catalog database file.
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Enabled true"`
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Proxy.Transport == "" {
		c.Proxy.Transport = "stdio"
	}
	if c.Replay.Timeout <= 0 {
		c.Replay.Timeout = 10 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = "tapwire-archive.db"
	}
}
