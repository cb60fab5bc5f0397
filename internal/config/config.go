// Package config handles mqttagent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mqttagent/config.yaml, /etc/mqttagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mqttagent", "config.yaml"))
	}

	paths = append(paths, "/etc/mqttagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mqttagent configuration. File values are defaults;
// any key present in the persisted settings store overrides the file
// at startup (see the settings package).
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Auth      AuthConfig      `yaml:"auth"`
	Topics    TopicsConfig    `yaml:"topics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
	LogFile   LogFileConfig   `yaml:"log_file"`
}

// DeviceConfig identifies this device to the broker and in payloads.
type DeviceConfig struct {
	// ID is the device identifier embedded in telemetry payloads and
	// used as the MQTT client ID. If empty, the persisted instance ID
	// is used instead.
	ID string `yaml:"id"`
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	// URL of the broker, e.g. "mqtt://host:1883" or "mqtts://host:8883".
	URL string `yaml:"url"`

	// KeepAliveSec is the MQTT keepalive interval (default 30).
	KeepAliveSec int `yaml:"keepalive_sec"`

	// DisableKeepalive sets the keepalive to zero, turning off the
	// client's background ping entirely. This reproduces the firmware
	// variant that disabled keepalive polling to work around a broken
	// timeout implementation, at the cost of slower dead-peer
	// detection. Leave false unless the broker misbehaves.
	DisableKeepalive bool `yaml:"disable_keepalive"`

	// ConnectTimeoutSec bounds the initial connect handshake (default 30).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`

	// PublishTimeoutSec bounds a single publish call (default 10).
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`

	// StartupAttempts is the bounded number of connection probes at
	// startup before the process gives up and exits (default 30, the
	// same budget the firmware spent on its boot-time attempt loop).
	StartupAttempts int `yaml:"startup_attempts"`

	// RetryDelaySec is the fixed delay between reconnect probes in
	// steady state. Deliberately constant: no exponential growth, no
	// jitter (default 5).
	RetryDelaySec int `yaml:"retry_delay_sec"`
}

// AuthMode selects how the agent authenticates to the broker.
type AuthMode string

const (
	// AuthNone connects without credentials over plain TCP.
	AuthNone AuthMode = "none"
	// AuthPassword connects with username/password, optionally over TLS
	// when a CA file is configured.
	AuthPassword AuthMode = "password"
	// AuthCertificate connects with mutual TLS using a client
	// certificate and key.
	AuthCertificate AuthMode = "certificate"
)

// AuthConfig is the credential section. Exactly one mode applies; the
// mode is resolved once at startup into a broker.Credentials value and
// passed around by value after that.
type AuthConfig struct {
	Mode     AuthMode `yaml:"mode"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// CAFile is the PEM bundle used to verify the broker certificate.
	// Required for certificate mode; optional for password mode (its
	// presence upgrades the connection to TLS).
	CAFile string `yaml:"ca_file"`

	// CertFile and KeyFile are the client certificate pair for mutual
	// TLS (certificate mode only).
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TopicsConfig names the publish and optional subscribe topics.
type TopicsConfig struct {
	Publish   string `yaml:"publish"`
	Subscribe string `yaml:"subscribe"` // empty disables the command subscription
	QoS       byte   `yaml:"qos"`       // 0 or 1 (default 1, as the firmware used)
}

// TelemetryConfig controls the publish cadence and payload.
type TelemetryConfig struct {
	// IntervalMS is the publish cadence in milliseconds (default 5000).
	IntervalMS int `yaml:"interval_ms"`

	// PayloadLimit is the fixed payload capacity in bytes (default 256,
	// the size of the firmware's stack buffer). Payloads that would
	// exceed it are rejected, never truncated.
	PayloadLimit int `yaml:"payload_limit"`

	// IncludePressure adds a simulated barometric pressure reading to
	// each sample.
	IncludePressure bool `yaml:"include_pressure"`

	// Seed fixes the simulated sensor RNG for reproducible runs.
	// Zero means seed from the clock.
	Seed int64 `yaml:"seed"`
}

// ListenConfig defines the status/metrics HTTP server.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // default 9900
}

// LogFileConfig enables an optional rotating log file in addition to
// stdout. Rotation is handled by lumberjack.
type LogFileConfig struct {
	Path       string `yaml:"path"` // empty disables file logging
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with the firmware's defaults filled
// in: 5 second publish cadence, 256 byte payload budget, QoS 1, and a
// 5 second fixed reconnect delay.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			KeepAliveSec:      30,
			ConnectTimeoutSec: 30,
			PublishTimeoutSec: 10,
			StartupAttempts:   30,
			RetryDelaySec:     5,
		},
		Auth: AuthConfig{Mode: AuthNone},
		Topics: TopicsConfig{
			Publish: "testtopics/topic1",
			QoS:     1,
		},
		Telemetry: TelemetryConfig{
			IntervalMS:   5000,
			PayloadLimit: 256,
		},
		Listen:  ListenConfig{Port: 9900},
		DataDir: "data",
	}
}

// Validate checks the configuration for problems that would otherwise
// surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Topics.Publish == "" {
		return fmt.Errorf("topics.publish is required")
	}
	if c.Topics.QoS > 1 {
		return fmt.Errorf("topics.qos must be 0 or 1, got %d", c.Topics.QoS)
	}
	if c.Telemetry.IntervalMS <= 0 {
		return fmt.Errorf("telemetry.interval_ms must be positive, got %d", c.Telemetry.IntervalMS)
	}
	if c.Telemetry.PayloadLimit <= 0 {
		return fmt.Errorf("telemetry.payload_limit must be positive, got %d", c.Telemetry.PayloadLimit)
	}

	switch c.Auth.Mode {
	case AuthNone, "":
	case AuthPassword:
		if c.Auth.Username == "" {
			return fmt.Errorf("auth.username is required for password mode")
		}
	case AuthCertificate:
		if c.Auth.CAFile == "" || c.Auth.CertFile == "" || c.Auth.KeyFile == "" {
			return fmt.Errorf("auth.ca_file, auth.cert_file and auth.key_file are required for certificate mode")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q (valid: none, password, certificate)", c.Auth.Mode)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// PublishInterval returns the telemetry cadence as a duration.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Telemetry.IntervalMS) * time.Millisecond
}

// RetryDelay returns the fixed steady-state reconnect delay.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Broker.RetryDelaySec) * time.Second
}
