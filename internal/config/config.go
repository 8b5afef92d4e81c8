package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full on-disk configuration for ratd.
type Config struct {
	Listener ListenerConfig `toml:"listener"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Output   OutputConfig   `toml:"output"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ListenerConfig configures the transport listener's TCP dial and reconnect
// behavior.
type ListenerConfig struct {
	Addr           string `toml:"addr"`
	ReconnectMs    int    `toml:"reconnect_ms"`
	ReconnectMaxMs int    `toml:"reconnect_max_ms"`
	DialTimeoutMs  int    `toml:"dial_timeout_ms"`
	ReaderBufBytes int    `toml:"reader_buf_bytes"`
}

// Reconnect returns the base reconnect delay as a time.Duration.
func (c ListenerConfig) Reconnect() time.Duration { return time.Duration(c.ReconnectMs) * time.Millisecond }

// ReconnectMax returns the capped reconnect delay as a time.Duration.
func (c ListenerConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// DialTimeout returns the per-attempt dial timeout as a time.Duration.
func (c ListenerConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// RuntimeConfig configures the ingest runtime's schema negotiation, hub, and
// unknown-packet monitor.
type RuntimeConfig struct {
	HubBuffer        int    `toml:"hub_buffer"`
	TextPacketID     int    `toml:"text_packet_id"`
	SchemaTimeoutMs  int    `toml:"schema_timeout_ms"`
	UnknownWindowMs  int    `toml:"unknown_window_ms"`
	UnknownThreshold uint32 `toml:"unknown_threshold"`
}

// SchemaTimeout returns the wait-deadline duration for schema assembly.
func (c RuntimeConfig) SchemaTimeout() time.Duration {
	return time.Duration(c.SchemaTimeoutMs) * time.Millisecond
}

// UnknownWindow returns the unknown-packet monitor's rolling window duration.
func (c RuntimeConfig) UnknownWindow() time.Duration {
	return time.Duration(c.UnknownWindowMs) * time.Millisecond
}

// OutputConfig configures the output manager and its two concrete sinks.
type OutputConfig struct {
	JSONL            JSONLConfig  `toml:"jsonl"`
	Bridge           BridgeConfig `toml:"bridge"`
	RecoveryPeriodMs int          `toml:"recovery_period_ms"`
}

// RecoveryPeriod returns the minimum interval between sink recovery attempts.
func (c OutputConfig) RecoveryPeriod() time.Duration {
	return time.Duration(c.RecoveryPeriodMs) * time.Millisecond
}

// JSONLConfig is the desired state for the line-delimited JSON sink.
type JSONLConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// BridgeConfig is the desired state for the visualization WebSocket bridge.
type BridgeConfig struct {
	Enabled bool   `toml:"enabled"`
	WSAddr  string `toml:"ws_addr"`
}

// LoggingConfig configures the process-wide structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Load reads and validates a TOML configuration file at path, applying
// defaults for any zero-valued field that has one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listener.ReconnectMs == 0 {
		c.Listener.ReconnectMs = 1000
	}
	if c.Listener.ReconnectMaxMs == 0 {
		c.Listener.ReconnectMaxMs = 30000
	}
	if c.Listener.DialTimeoutMs == 0 {
		c.Listener.DialTimeoutMs = 5000
	}
	if c.Listener.ReaderBufBytes == 0 {
		c.Listener.ReaderBufBytes = 65536
	}
	if c.Runtime.HubBuffer == 0 {
		c.Runtime.HubBuffer = 256
	}
	if c.Runtime.SchemaTimeoutMs == 0 {
		c.Runtime.SchemaTimeoutMs = 5000
	}
	if c.Runtime.UnknownWindowMs == 0 {
		c.Runtime.UnknownWindowMs = 10000
	}
	if c.Runtime.UnknownThreshold == 0 {
		c.Runtime.UnknownThreshold = 50
	}
	if c.Output.RecoveryPeriodMs == 0 {
		c.Output.RecoveryPeriodMs = 30000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Listener.Addr == "" {
		return fmt.Errorf("listener.addr is required")
	}
	if c.Runtime.TextPacketID < 0 || c.Runtime.TextPacketID > 0xFF {
		return fmt.Errorf("runtime.text_packet_id must be in [0,255], got %d", c.Runtime.TextPacketID)
	}
	if c.Runtime.TextPacketID == 0 {
		return fmt.Errorf("runtime.text_packet_id must not be 0 (reserved for the control channel)")
	}
	if c.Output.Bridge.Enabled && c.Output.Bridge.WSAddr == "" {
		return fmt.Errorf("output.bridge.ws_addr is required when output.bridge.enabled is true")
	}
	return nil
}
