package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return entry
}

func TestNew_Formats(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
	} {
		if logger := New(cfg, "1.0.0"); logger == nil {
			t.Fatalf("New(%+v) returned nil", cfg)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := parseLevel(tt.input); result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info"}, "1.2.3", &buf)

	logger.Info("receiver connected", "receiver_id", "living")

	entry := decodeLine(t, &buf)
	if entry["service"] != ServiceName || entry["version"] != "1.2.3" {
		t.Errorf("default fields = %v, %v", entry["service"], entry["version"])
	}
	if entry["msg"] != "receiver connected" || entry["receiver_id"] != "living" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn"}, "1.0.0", &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not written: %s", buf.String())
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Format: "text"}, "1.0.0", &buf)

	logger.Info("hello", "race_id", "A7")
	out := buf.String()
	if !strings.Contains(out, "race_id=A7") || !strings.Contains(out, "service="+ServiceName) {
		t.Errorf("text output = %q", out)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{}, "1.0.0", &buf)

	logger.Info("mqtt configured", "username", "bridge", "password", "hunter2", "influx_token", "abc")

	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "abc\"") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	entry := decodeLine(t, &buf)
	if entry["password"] != redacted || entry["influx_token"] != redacted {
		t.Errorf("entry = %v", entry)
	}
	if entry["username"] != "bridge" {
		t.Errorf("username = %v, want it kept", entry["username"])
	}
}

func TestLogger_WithAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{}, "1.0.0", &buf)

	child := logger.Component("mqtt").With("receiver_id", "den")
	if child == logger {
		t.Error("expected child logger to be different from parent")
	}

	child.Info("subscribed")
	entry := decodeLine(t, &buf)
	if entry["component"] != "mqtt" || entry["receiver_id"] != "den" {
		t.Errorf("entry = %v", entry)
	}
}

func TestDefault(t *testing.T) {
	if logger := Default(); logger == nil {
		t.Fatal("expected non-nil default logger")
	}
}
