package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1884
protocols:
  denon:
    bridge_id: "avr-01"
    probe_timeout: 3s
    callback_timeout: 750ms
    receivers:
      - id: living
        name: Living Room
        host: 192.168.1.40
        serial: ABC123
        control_mode: hybrid
        response_timeout_ms: 800
        volume_limit: 60
        volume_step: 2
      - id: den
        host: 192.168.1.41
        control_mode: AUTO
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1884 {
		t.Errorf("MQTT.Broker = %+v", cfg.MQTT.Broker)
	}
	// Unset values keep their defaults.
	if cfg.MQTT.Broker.ClientID != "graylogic-avr" || cfg.API.Port != 8090 {
		t.Errorf("defaults lost: client_id=%q api.port=%d", cfg.MQTT.Broker.ClientID, cfg.API.Port)
	}

	d := cfg.Protocols.Denon
	if d.BridgeID != "avr-01" || d.ProbeTimeout != 3*time.Second || d.CallbackTimeout != 750*time.Millisecond {
		t.Errorf("Denon = %+v", d)
	}
	if d.HealthInterval != 30*time.Second {
		t.Errorf("HealthInterval = %v, want default 30s", d.HealthInterval)
	}
	if len(d.Receivers) != 2 {
		t.Fatalf("len(Receivers) = %d, want 2", len(d.Receivers))
	}

	living := d.Receivers[0]
	if living.Name != "Living Room" || living.Serial != "ABC123" || living.ControlMode != "hybrid" {
		t.Errorf("living = %+v", living)
	}
	if living.ResponseTimeout() != 800*time.Millisecond || living.ConnectTimeout() != 0 {
		t.Errorf("living timeouts = %v, %v", living.ResponseTimeout(), living.ConnectTimeout())
	}
	if living.VolumeLimit != 60 || living.VolumeStep != 2 {
		t.Errorf("living volume settings = %d, %d", living.VolumeLimit, living.VolumeStep)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
protocols:
  denon:
    receivers:
      - id: living
        control_mode: telnet
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	// Every problem is reported, not just the first.
	for _, want := range []string{"site.id is required", "receivers[0].host is required", `control_mode "telnet"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Protocols.Denon.Receivers = []ReceiverConfig{
		{ID: "living", Host: "192.168.1.40", ControlMode: "avrcontrol"},
	}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:   "port ignored when api disabled",
			mutate: func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
		},
		{
			name:    "influxdb without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "missing bridge id",
			mutate:  func(c *Config) { c.Protocols.Denon.BridgeID = "" },
			wantErr: "bridge_id",
		},
		{
			name: "duplicate receiver id",
			mutate: func(c *Config) {
				c.Protocols.Denon.Receivers = append(c.Protocols.Denon.Receivers,
					ReceiverConfig{ID: "living", Host: "192.168.1.41", ControlMode: "heoscli"})
			},
			wantErr: "duplicated",
		},
		{
			name:    "volume limit too high",
			mutate:  func(c *Config) { c.Protocols.Denon.Receivers[0].VolumeLimit = 100 },
			wantErr: "volume_limit",
		},
		{
			name:    "volume step too high",
			mutate:  func(c *Config) { c.Protocols.Denon.Receivers[0].VolumeStep = 11 },
			wantErr: "volume_step",
		},
		{
			name:   "empty control mode is auto",
			mutate: func(c *Config) { c.Protocols.Denon.Receivers[0].ControlMode = "" },
		},
		{
			name: "receivers ignored when denon disabled",
			mutate: func(c *Config) {
				c.Protocols.Denon.Enabled = false
				c.Protocols.Denon.Receivers[0].ControlMode = "bogus"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_AVR_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_AVR_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_AVR_MQTT_PORT", "8883")
	t.Setenv("GRAYLOGIC_AVR_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_AVR_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_AVR_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_AVR_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_AVR_DENON_BRIDGE_ID", "avr-02")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Denon.BridgeID", cfg.Protocols.Denon.BridgeID, "avr-02"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	t.Setenv("GRAYLOGIC_AVR_API_PORT", "eighty")

	if err := applyEnvOverrides(defaultConfig()); err == nil {
		t.Error("applyEnvOverrides() expected error for non-numeric port")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_AVR_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}

	t.Setenv("GRAYLOGIC_AVR_CONFIG", "/etc/graylogic/avr.yaml")
	if got := Path(); got != "/etc/graylogic/avr.yaml" {
		t.Errorf("Path() = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Protocols.Denon.CallbackTimeout != 1500*time.Millisecond {
		t.Errorf("defaultConfig CallbackTimeout = %v, want 1.5s", cfg.Protocols.Denon.CallbackTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig should validate: %v", err)
	}
}
