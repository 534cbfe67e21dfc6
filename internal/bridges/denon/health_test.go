package denon

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type staticReceivers []ReceiverHealth

func (s staticReceivers) ReceiverHealth() []ReceiverHealth { return s }

func lastHealth(t *testing.T, m *MockMQTTClient) HealthMessage {
	t.Helper()
	pubs := m.PublishedTo(HealthTopic())
	if len(pubs) == 0 {
		t.Fatal("no health published")
	}
	p := pubs[len(pubs)-1]
	if !p.Retained || p.QoS != 1 {
		t.Errorf("health publish qos=%d retained=%v, want retained qos 1", p.QoS, p.Retained)
	}
	var msg HealthMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	return msg
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		receivers  staticReceivers
		wantStatus HealthStatus
		wantReason string
	}{
		{"healthy", true, staticReceivers{{ID: "a", Connected: true}}, HealthHealthy, ""},
		{"no receivers", true, nil, HealthHealthy, ""},
		{"mqtt down", false, staticReceivers{{ID: "a", Connected: true}}, HealthDegraded, "MQTT disconnected"},
		{"receiver down", true, staticReceivers{{ID: "a", Connected: true}, {ID: "b"}}, HealthDegraded, "1 of 2 receivers disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			mqtt.SetConnected(tt.connected)
			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "denon-bridge-01",
				Publisher: mqtt,
				Receivers: tt.receivers,
			})

			status, reason := h.determineStatus()
			if status != tt.wantStatus || reason != tt.wantReason {
				t.Errorf("determineStatus() = %s, %q; want %s, %q", status, reason, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestHealthReporter_Lifecycle(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "denon-bridge-01",
		Version:   "1.2.3",
		Interval:  20 * time.Millisecond,
		Publisher: mqtt,
		Receivers: staticReceivers{{ID: "living", ControlMode: "HYBRID", Connected: true}},
	})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}
	if msg := lastHealth(t, mqtt); msg.Status != HealthStarting || msg.Bridge != "denon-bridge-01" {
		t.Errorf("starting message = %+v", msg)
	}

	h.Start(context.Background())
	waitFor(t, "periodic reports", func() bool { return len(mqtt.PublishedTo(HealthTopic())) >= 3 })

	msg := lastHealth(t, mqtt)
	if msg.Status != HealthHealthy || msg.Version != "1.2.3" {
		t.Errorf("periodic message = %+v", msg)
	}
	if len(msg.Receivers) != 1 || msg.Receivers[0].ControlMode != "HYBRID" {
		t.Errorf("receivers = %+v", msg.Receivers)
	}

	h.Stop()
	h.Stop()
	if msg := lastHealth(t, mqtt); msg.Status != HealthStopping {
		t.Errorf("final status = %s, want stopping", msg.Status)
	}
}

func TestHealthReporter_LWT(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "denon-bridge-01"})

	if h.LWTTopic() != "graylogic/health/denon" {
		t.Errorf("LWTTopic() = %q", h.LWTTopic())
	}
	payload, err := h.LWTPayload()
	if err != nil {
		t.Fatalf("LWTPayload() error = %v", err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal LWT: %v", err)
	}
	if msg.Status != HealthOffline || msg.Reason != "unexpected_disconnect" || msg.Bridge != "denon-bridge-01" {
		t.Errorf("LWT = %+v", msg)
	}

	// Without a publisher nothing is sent and nothing fails.
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
}
