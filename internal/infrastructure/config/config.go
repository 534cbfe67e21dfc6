package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "GRAYLOGIC_AVR_"

// DefaultPath is used when GRAYLOGIC_AVR_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration of the receiver bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Protocols ProtocolsConfig `yaml:"protocols"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// Tags are added to every point, e.g. {site: home}.
	Tags map[string]string `yaml:"tags"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolsConfig contains protocol bridge settings.
type ProtocolsConfig struct {
	Denon DenonConfig `yaml:"denon"`
}

// DenonConfig contains the receiver bridge settings.
type DenonConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BridgeID string `yaml:"bridge_id"`

	// ProbeTimeout bounds capability probing of receivers with control_mode auto.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CallbackTimeout is how long a state read may take before the caller
	// gets a timeout and the value arrives later through callbacks.
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	HealthInterval time.Duration `yaml:"health_interval"`

	Receivers []ReceiverConfig `yaml:"receivers"`
}

// ReceiverConfig describes one Denon/Marantz receiver.
type ReceiverConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	Serial string `yaml:"serial"`

	// ControlMode is avrcontrol, heoscli, hybrid or auto. Empty means auto.
	ControlMode string `yaml:"control_mode"`

	ConnectTimeoutMS  int `yaml:"connect_timeout_ms"`
	ResponseTimeoutMS int `yaml:"response_timeout_ms"`

	// VolumeLimit caps the device volume (1-99). Zero disables the limit.
	VolumeLimit int `yaml:"volume_limit"`

	// VolumeStep is the default step of volume_up/volume_down (1-10).
	VolumeStep int `yaml:"volume_step"`
}

var controlModes = map[string]bool{
	"avrcontrol": true,
	"heoscli":    true,
	"hybrid":     true,
	"auto":       true,
}

// Path returns the config file path from GRAYLOGIC_AVR_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_AVR_SECTION_KEY
// For example: GRAYLOGIC_AVR_DATABASE_PATH, GRAYLOGIC_AVR_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-avr.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-avr",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Protocols: ProtocolsConfig{
			Denon: DenonConfig{
				Enabled:         true,
				BridgeID:        "denon-bridge-01",
				ProbeTimeout:    5 * time.Second,
				CallbackTimeout: 1500 * time.Millisecond,
				HealthInterval:  30 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DATABASE_PATH":   &cfg.Database.Path,
		"MQTT_HOST":       &cfg.MQTT.Broker.Host,
		"MQTT_CLIENT_ID":  &cfg.MQTT.Broker.ClientID,
		"MQTT_USERNAME":   &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":   &cfg.MQTT.Auth.Password,
		"API_HOST":        &cfg.API.Host,
		"INFLUXDB_URL":    &cfg.InfluxDB.URL,
		"INFLUXDB_TOKEN":  &cfg.InfluxDB.Token,
		"LOG_LEVEL":       &cfg.Logging.Level,
		"DENON_BRIDGE_ID": &cfg.Protocols.Denon.BridgeID,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MQTT_PORT": &cfg.MQTT.Broker.Port,
		"API_PORT":  &cfg.API.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.Protocols.Denon.Enabled {
		errs = append(errs, c.Protocols.Denon.validate()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *DenonConfig) validate() []string {
	var errs []string
	if d.BridgeID == "" {
		errs = append(errs, "protocols.denon.bridge_id is required")
	}

	seen := make(map[string]bool, len(d.Receivers))
	for i, r := range d.Receivers {
		prefix := fmt.Sprintf("protocols.denon.receivers[%d]", i)
		switch {
		case r.ID == "":
			errs = append(errs, prefix+".id is required")
		case seen[r.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, r.ID))
		}
		seen[r.ID] = true

		if r.Host == "" {
			errs = append(errs, prefix+".host is required")
		}
		if r.ControlMode != "" && !controlModes[strings.ToLower(r.ControlMode)] {
			errs = append(errs, fmt.Sprintf("%s.control_mode %q must be avrcontrol, heoscli, hybrid or auto", prefix, r.ControlMode))
		}
		if r.VolumeLimit < 0 || r.VolumeLimit > 99 {
			errs = append(errs, prefix+".volume_limit must be between 0 and 99")
		}
		if r.VolumeStep < 0 || r.VolumeStep > 10 {
			errs = append(errs, prefix+".volume_step must be between 0 and 10")
		}
	}
	return errs
}

// ConnectTimeout returns the receiver connect timeout, zero when unset.
func (r ReceiverConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutMS) * time.Millisecond
}

// ResponseTimeout returns the receiver response timeout, zero when unset.
func (r ReceiverConfig) ResponseTimeout() time.Duration {
	return time.Duration(r.ResponseTimeoutMS) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
