// Package config loads and validates the controller configuration from
// <home>/config.yaml, with environment-variable overrides for deploy-time
// tweaks and an fsnotify-based watcher for hot reload of timing knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DeviceConfig is a statically configured device the controller should
// register and connect to on startup.
type DeviceConfig struct {
	DeviceID     string         `yaml:"device_id"`
	ServerURL    string         `yaml:"server_url"`
	OS           string         `yaml:"os"`
	Capabilities []string       `yaml:"capabilities"`
	Metadata     map[string]any `yaml:"metadata"`
	MaxRetries   int            `yaml:"max_retries"`
}

// OtelConfig configures the OpenTelemetry provider.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// JournalConfig configures the optional sqlite task/event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to <home>/journal.db
}

// GatewayConfig configures the operator HTTP/WS surface.
type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ListenAddr   string   `yaml:"listen_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// Config is the full controller configuration.
type Config struct {
	// Timing and supervision knobs.
	HeartbeatInterval        Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout         Duration `yaml:"heartbeat_timeout"`
	ReconnectDelay           Duration `yaml:"reconnect_delay"`
	HandshakeTimeout         Duration `yaml:"handshake_timeout"`
	CancelGrace              Duration `yaml:"cancel_grace"`
	DispatchReadyPollInterval Duration `yaml:"dispatch_ready_poll_interval"`
	DefaultMaxRetries        int      `yaml:"default_max_retries"`
	EventBusSubscriberBuffer int      `yaml:"event_bus_subscriber_buffer"`

	// SweepSchedule is a cron expression for the registry staleness sweep,
	// the fallback observer behind per-session keepalive.
	SweepSchedule string `yaml:"sweep_schedule"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Devices []DeviceConfig `yaml:"devices"`

	Otel    OtelConfig    `yaml:"otel"`
	Journal JournalConfig `yaml:"journal"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{
		HeartbeatInterval:         Duration(30 * time.Second),
		HeartbeatTimeout:          Duration(90 * time.Second),
		ReconnectDelay:            Duration(5 * time.Second),
		HandshakeTimeout:          Duration(30 * time.Second),
		CancelGrace:               Duration(10 * time.Second),
		DispatchReadyPollInterval: Duration(100 * time.Millisecond),
		DefaultMaxRetries:         5,
		EventBusSubscriberBuffer:  256,
		SweepSchedule:             "* * * * *",
		LogLevel:                  "info",
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "constel",
			SampleRate:  1.0,
		},
		Gateway: GatewayConfig{
			ListenAddr: "127.0.0.1:7433",
		},
	}
}

// Load reads <homeDir>/config.yaml, applies env overrides, validates, and
// returns the result. A missing file yields the defaults.
func Load(homeDir string) (Config, error) {
	cfg := Defaults()

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(homeDir, "journal.db")
	}
	return cfg, nil
}

// applyEnvOverrides lets deploys adjust timing knobs without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONSTEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONSTEL_LISTEN_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("CONSTEL_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("CONSTEL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMaxRetries = n
		}
	}
	for _, override := range []struct {
		env string
		dst *Duration
	}{
		{"CONSTEL_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"CONSTEL_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"CONSTEL_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"CONSTEL_CANCEL_GRACE", &cfg.CancelGrace},
	} {
		if v := os.Getenv(override.env); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
				*override.dst = Duration(parsed)
			}
		}
	}
}

// Validate rejects configurations that cannot supervise devices correctly.
func (c *Config) Validate() error {
	if c.HeartbeatInterval.D() <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout.D() < c.HeartbeatInterval.D() {
		return fmt.Errorf("heartbeat_timeout %s must be >= heartbeat_interval %s",
			c.HeartbeatTimeout.D(), c.HeartbeatInterval.D())
	}
	if c.ReconnectDelay.D() <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if c.DefaultMaxRetries <= 0 {
		return fmt.Errorf("default_max_retries must be positive")
	}
	if c.CancelGrace.D() <= 0 {
		return fmt.Errorf("cancel_grace must be positive")
	}
	if c.DispatchReadyPollInterval.D() <= 0 {
		return fmt.Errorf("dispatch_ready_poll_interval must be positive")
	}
	if c.EventBusSubscriberBuffer <= 0 {
		return fmt.Errorf("event_bus_subscriber_buffer must be positive")
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("devices[%d]: device_id must be non-empty", i)
		}
		if d.ServerURL == "" {
			return fmt.Errorf("devices[%d] (%s): server_url must be non-empty", i, d.DeviceID)
		}
		if _, dup := seen[d.DeviceID]; dup {
			return fmt.Errorf("duplicate device_id %q", d.DeviceID)
		}
		seen[d.DeviceID] = struct{}{}
	}
	return nil
}

// Save writes the config back to <homeDir>/config.yaml.
func Save(homeDir string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(homeDir, "config.yaml"), data, 0o644)
}
