package denon

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestParseControlMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ControlMode
		wantErr bool
	}{
		{"", ModeAuto, false},
		{"auto", ModeAuto, false},
		{"AVRCONTROL", ModeAVRControl, false},
		{"heoscli", ModeHEOSCLI, false},
		{" Hybrid ", ModeHybrid, false},
		{"telnet", ModeAuto, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseControlMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseControlMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownControlMode) {
				t.Errorf("error %v is not ErrUnknownControlMode", err)
			}
			if got != tt.want {
				t.Errorf("ParseControlMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSelectControlMode(t *testing.T) {
	tests := []struct {
		name      string
		supported []ControlMode
		want      ControlMode
		wantErr   error
	}{
		{"both", []ControlMode{ModeAVRControl, ModeHEOSCLI}, ModeHybrid, nil},
		{"heos only", []ControlMode{ModeHEOSCLI}, ModeHEOSCLI, nil},
		{"avr only", []ControlMode{ModeAVRControl}, ModeAVRControl, nil},
		{"none", nil, ModeAuto, ErrNoProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectControlMode(tt.supported)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SelectControlMode() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SelectControlMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestControlModePort(t *testing.T) {
	if ModeAVRControl.Port() != 23 || ModeHEOSCLI.Port() != 1255 {
		t.Errorf("ports = %d/%d, want 23/1255", ModeAVRControl.Port(), ModeHEOSCLI.Port())
	}
	if ModeHybrid.Port() != 0 || ModeAuto.Port() != 0 {
		t.Error("multi-protocol modes must not have a port")
	}
	if got := ControlMode(9).String(); got != "UNKNOWN(9)" {
		t.Errorf("String() = %q", got)
	}
}

func TestProber(t *testing.T) {
	open := newFakeReceiver(t, nil)
	closed := newFakeReceiver(t, nil)
	closedPort := closed.port()
	closed.Close()

	tests := []struct {
		name     string
		avrPort  int
		heosPort int
		want     []ControlMode
		mode     ControlMode
		wantErr  error
	}{
		{"both open", open.port(), open.port(), []ControlMode{ModeAVRControl, ModeHEOSCLI}, ModeHybrid, nil},
		{"avr only", open.port(), closedPort, []ControlMode{ModeAVRControl}, ModeAVRControl, nil},
		{"heos only", closedPort, open.port(), []ControlMode{ModeHEOSCLI}, ModeHEOSCLI, nil},
		{"neither", closedPort, closedPort, nil, ModeAuto, ErrNoProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Prober{Timeout: time.Second, AVRPort: tt.avrPort, HEOSPort: tt.heosPort}

			got, err := p.Probe(context.Background(), "127.0.0.1")
			if err != nil {
				t.Fatalf("Probe() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}

			mode, err := p.Resolve(context.Background(), "127.0.0.1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
			if mode != tt.mode {
				t.Errorf("Resolve() = %v, want %v", mode, tt.mode)
			}
		})
	}
}

func TestProber_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Prober{Timeout: time.Second, AVRPort: 1, HEOSPort: 2}.Probe(ctx, "127.0.0.1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Probe() error = %v, want context.Canceled", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mode    ControlMode
		serial  string
		host    string
		wantErr error
	}{
		{"avr without serial", ModeAVRControl, "", "10.0.0.2", nil},
		{"heos", ModeHEOSCLI, "S1", "10.0.0.2", nil},
		{"hybrid", ModeHybrid, "S1", "10.0.0.2", nil},
		{"heos without serial", ModeHEOSCLI, "", "10.0.0.2", ErrInvalidArgument},
		{"missing host", ModeAVRControl, "", "", ErrInvalidArgument},
		{"auto unresolved", ModeAuto, "S1", "10.0.0.2", ErrUnknownControlMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.mode, tt.serial, tt.host, Options{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer c.Close()
			if c.ControlMode() != tt.mode {
				t.Errorf("ControlMode() = %v, want %v", c.ControlMode(), tt.mode)
			}
			if c.IsConnected() {
				t.Error("new client is connected before first use")
			}
		})
	}
}
