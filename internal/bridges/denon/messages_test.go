package denon

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown receiver", fmt.Errorf("%w: %q", ErrUnknownReceiver, "x"), ErrCodeNotConfigured},
		{"unknown command", ErrUnknownCommand, ErrCodeInvalidCommand},
		{"busy", fmt.Errorf("%w: volume", ErrBusy), ErrCodeBusy},
		{"response timeout", ErrResponseTimeout, ErrCodeTimeout},
		{"caller timeout", ErrCallerTimeout, ErrCodeTimeout},
		{"invalid response", invalidResponse("bad", "x"), ErrCodeProtocolError},
		{"device rejected", ErrCommandFailed, ErrCodeDeviceRejected},
		{"unsupported", ErrUnsupported, ErrCodeNotSupported},
		{"invalid argument", ErrInvalidArgument, ErrCodeInvalidParameters},
		{"connection timeout", ErrConnectionTimeout, ErrCodeConnectionFailed},
		{"plain io", errors.New("connection refused"), ErrCodeConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c1", DeviceID: "living", Command: CmdMute}

	ack := NewAckError(cmd, ErrResponseTimeout)
	if ack.Status != AckTimeout || ack.Error.Code != ErrCodeTimeout {
		t.Errorf("timeout ack = %+v", ack)
	}

	ack = NewAckError(cmd, ErrUnsupported)
	if ack.Status != AckFailed || ack.Error.Code != ErrCodeNotSupported || ack.Error.Message != ErrUnsupported.Error() {
		t.Errorf("failed ack = %+v", ack)
	}
	if ack.CommandID != "c1" || ack.DeviceID != "living" || ack.Protocol != Protocol {
		t.Errorf("ack envelope = %+v", ack)
	}
}

func TestAckMessageJSON(t *testing.T) {
	ack := NewAckMessage(CommandMessage{ID: "c1", DeviceID: "living"}, map[string]any{"volume": 40})
	data, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if raw["status"] != "accepted" || raw["protocol"] != "denon" || raw["command_id"] != "c1" {
		t.Errorf("ack JSON = %s", data)
	}
	if _, ok := raw["error"]; ok {
		t.Errorf("successful ack carries error: %s", data)
	}
}

func TestReceiverStateJSON(t *testing.T) {
	vol := 12
	data, err := json.Marshal(ReceiverState{Volume: &vol})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"volume":12,"connected":false}` {
		t.Errorf("JSON = %s", data)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{CommandTopic("living"), "graylogic/command/denon/living"},
		{AckTopic("living"), "graylogic/ack/denon/living"},
		{StateTopic("living"), "graylogic/state/denon/living"},
		{RequestTopic("r1"), "graylogic/request/denon/r1"},
		{ResponseTopic("r1"), "graylogic/response/denon/r1"},
		{HealthTopic(), "graylogic/health/denon"},
		{CommandSubscribeTopic(), "graylogic/command/denon/+"},
		{RequestSubscribeTopic(), "graylogic/request/denon/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
