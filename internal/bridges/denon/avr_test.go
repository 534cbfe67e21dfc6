package denon

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// avrResponder answers AVR Control commands from a mutable in-memory state.
func avrResponder(power, mute string, volume string) func(cmd string) []string {
	return func(cmd string) []string {
		switch {
		case cmd == "PW?":
			return []string{"PW" + power + "\r"}
		case cmd == "MU?":
			return []string{"MU" + mute + "\r"}
		case cmd == "MV?":
			return []string{"MV" + volume + "\r", "MVMAX 98\r"}
		case cmd == "SI?":
			return []string{"SICD\r"}
		case cmd == "MVUP", cmd == "MVDOWN":
			return []string{"MV" + volume + "\r"}
		case strings.HasPrefix(cmd, "PW"), strings.HasPrefix(cmd, "MU"),
			strings.HasPrefix(cmd, "MV"), strings.HasPrefix(cmd, "SI"):
			return []string{cmd + "\r"}
		}
		return nil
	}
}

func newTestAVRClient(t *testing.T, f *fakeReceiver, cb Callbacks) *AVRClient {
	t.Helper()
	c := NewAVRClient("", "127.0.0.1", Options{
		AVRPort:         f.port(),
		ConnectTimeout:  time.Second,
		ResponseTimeout: 200 * time.Millisecond,
		Callbacks:       cb,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAVRClient_GetPower(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	on, err := c.GetPower(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetPower() error = %v", err)
	}
	if !on {
		t.Error("GetPower() = false, want true")
	}
	if got := f.commands(); len(got) != 1 || got[0] != "PW?" {
		t.Errorf("commands = %q, want [PW?]", got)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after lazy connect")
	}
}

func TestAVRClient_GetPowerStandby(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("STANDBY", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	on, err := c.GetPower(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetPower() error = %v", err)
	}
	if on {
		t.Error("GetPower() = true, want false")
	}
}

func TestAVRClient_InvalidPowerToken(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("FOO", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	_, err := c.GetPower(context.Background(), nil)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("GetPower() error = %v, want ErrInvalidResponse", err)
	}

	var ire *InvalidResponseError
	if !errors.As(err, &ire) {
		t.Fatalf("error %T is not *InvalidResponseError", err)
	}
	if ire.Actual != "FOO" {
		t.Errorf("Actual = %q, want FOO", ire.Actual)
	}
	if strings.Join(ire.Expected, ",") != "ON,STANDBY" {
		t.Errorf("Expected = %v, want [ON STANDBY]", ire.Expected)
	}
}

func TestAVRClient_GetVolumeDropsHalfStep(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "455"))
	c := newTestAVRClient(t, f, Callbacks{})

	level, err := c.GetVolume(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetVolume() error = %v", err)
	}
	if level != 45 {
		t.Errorf("GetVolume() = %d, want 45", level)
	}
}

func TestAVRClient_SetVolume(t *testing.T) {
	tests := []struct {
		name  string
		level int
		wire  string
		want  int
	}{
		{"single digit is zero padded", 7, "MV07", 7},
		{"mid range", 45, "MV45", 45},
		{"100 is sent as 99", 100, "MV99", 99},
		{"zero", 0, "MV00", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
			c := newTestAVRClient(t, f, Callbacks{})

			got, err := c.SetVolume(context.Background(), tt.level)
			if err != nil {
				t.Fatalf("SetVolume(%d) error = %v", tt.level, err)
			}
			if got != tt.want {
				t.Errorf("SetVolume(%d) = %d, want %d", tt.level, got, tt.want)
			}
			if cmds := f.commands(); len(cmds) != 1 || cmds[0] != tt.wire {
				t.Errorf("commands = %q, want [%s]", cmds, tt.wire)
			}
		})
	}
}

func TestAVRClient_SetVolumeRejectsOutOfRange(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	for _, level := range []int{-1, 101} {
		_, err := c.SetVolume(context.Background(), level)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetVolume(%d) error = %v, want ErrInvalidArgument", level, err)
		}
	}
	if f.acceptCount() != 0 {
		t.Error("invalid volume opened a connection")
	}
}

func TestAVRClient_SetVolumeSteps(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	if err := c.SetVolumeUp(context.Background(), 3); err != nil {
		t.Fatalf("SetVolumeUp(3) error = %v", err)
	}
	if got := f.commands(); strings.Join(got, ",") != "MVUP,MVUP,MVUP" {
		t.Errorf("commands = %q, want three MVUP", got)
	}

	for _, steps := range []int{0, 11} {
		if err := c.SetVolumeUp(context.Background(), steps); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetVolumeUp(%d) error = %v, want ErrInvalidArgument", steps, err)
		}
		if err := c.SetVolumeDown(context.Background(), steps); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetVolumeDown(%d) error = %v, want ErrInvalidArgument", steps, err)
		}
	}
	if got := len(f.commands()); got != 3 {
		t.Errorf("rejected steps wrote commands: %d total", got)
	}
}

func TestAVRClient_SetPowerAndMute(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})
	ctx := context.Background()

	on, err := c.SetPower(ctx, false)
	if err != nil || on {
		t.Fatalf("SetPower(false) = %v, %v; want false, nil", on, err)
	}
	muted, err := c.SetMute(ctx, true)
	if err != nil || !muted {
		t.Fatalf("SetMute(true) = %v, %v; want true, nil", muted, err)
	}
	if got := f.commands(); strings.Join(got, ",") != "PWSTANDBY,MUON" {
		t.Errorf("commands = %q", got)
	}
}

func TestAVRClient_Input(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})
	ctx := context.Background()

	input, err := c.GetInput(ctx, nil)
	if err != nil || input != "CD" {
		t.Fatalf("GetInput() = %q, %v; want CD", input, err)
	}
	input, err = c.SetInput(ctx, "SAT/CBL")
	if err != nil || input != "SAT/CBL" {
		t.Fatalf("SetInput(SAT/CBL) = %q, %v", input, err)
	}
}

func TestAVRClient_SetInputRejectsEmbeddedCommands(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})

	for _, input := range []string{"CD\r\nPWSTANDBY", "CD\rPWSTANDBY", "CD\nPWSTANDBY"} {
		if _, err := c.SetInput(context.Background(), input); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetInput(%q) error = %v, want ErrInvalidArgument", input, err)
		}
	}
	if got := f.commands(); len(got) != 0 {
		t.Errorf("commands = %q, want none", got)
	}
}

func TestAVRClient_UnsolicitedEvents(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	var rec recorder
	c := newTestAVRClient(t, f, rec.callbacks())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return f.acceptCount() == 1 })

	f.push("PWSTANDBY\rMUON\rMV305\rSITUNER\rZMON\r")

	waitFor(t, "callbacks", func() bool { return len(rec.inputCalls()) == 1 })
	if got := rec.powerCalls(); len(got) != 1 || got[0] {
		t.Errorf("power callbacks = %v, want [false]", got)
	}
	if got := rec.muteCalls(); len(got) != 1 || !got[0] {
		t.Errorf("mute callbacks = %v, want [true]", got)
	}
	if got := rec.volumeCalls(); len(got) != 1 || got[0] != 30 {
		t.Errorf("volume callbacks = %v, want [30]", got)
	}
	if got := rec.inputCalls(); got[0] != "TUNER" {
		t.Errorf("input callbacks = %v, want [TUNER]", got)
	}
}

func TestAVRClient_SolicitedReplyDoesNotFireCallback(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	var rec recorder
	c := newTestAVRClient(t, f, rec.callbacks())

	if _, err := c.GetPower(context.Background(), nil); err != nil {
		t.Fatalf("GetPower() error = %v", err)
	}
	if got := rec.powerCalls(); len(got) != 0 {
		t.Errorf("power callbacks = %v, want none", got)
	}
}

func TestAVRClient_ResponseTimeout(t *testing.T) {
	f := newFakeReceiver(t, func(string) []string { return nil })
	c := newTestAVRClient(t, f, Callbacks{})

	_, err := c.GetPower(context.Background(), nil)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("GetPower() error = %v, want ErrResponseTimeout", err)
	}
	if !strings.Contains(err.Error(), "response for command 'PW?' timed out after 200ms") {
		t.Errorf("error message = %q", err)
	}
	if KindOf(err) != KindResponseTimeout {
		t.Errorf("KindOf = %v", KindOf(err))
	}
}

func TestAVRClient_OneCommandInFlight(t *testing.T) {
	var volumeQueries atomic.Int32
	f := newFakeReceiver(t, func(cmd string) []string {
		// The first query is never answered, so it holds the connection
		// until its response timeout.
		if cmd == "MV?" && volumeQueries.Add(1) > 1 {
			return []string{"MV45\r"}
		}
		return nil
	})
	c := newTestAVRClient(t, f, Callbacks{})

	type result struct {
		level int
		err   error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			v, err := c.GetVolume(context.Background(), nil)
			results <- result{v, err}
		}()
	}

	waitFor(t, "first MV?", func() bool { return len(f.commands()) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := f.commands(); len(got) != 1 {
		t.Fatalf("commands while first is pending = %q, want one", got)
	}

	var timeouts, values int
	for range 2 {
		r := <-results
		switch {
		case errors.Is(r.err, ErrResponseTimeout):
			timeouts++
		case r.err == nil && r.level == 45:
			values++
		default:
			t.Errorf("GetVolume() = %d, %v", r.level, r.err)
		}
	}
	if timeouts != 1 || values != 1 {
		t.Errorf("timeouts = %d, values = %d, want 1 and 1", timeouts, values)
	}
	if got := f.commands(); len(got) != 2 {
		t.Errorf("commands = %q, want two MV?", got)
	}
}

func TestAVRClient_ConnectRefused(t *testing.T) {
	f := newFakeReceiver(t, nil)
	port := f.port()
	f.Close()

	c := NewAVRClient("", "127.0.0.1", Options{AVRPort: port, ConnectTimeout: time.Second})
	defer c.Close()

	_, err := c.GetPower(context.Background(), nil)
	if err == nil {
		t.Fatal("GetPower() on closed port succeeded")
	}
	if KindOf(err) != KindIO {
		t.Errorf("KindOf(%v) = %v, want io_error", err, KindOf(err))
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestAVRClient_ReconnectsAfterDrop(t *testing.T) {
	f := newFakeReceiver(t, avrResponder("ON", "OFF", "45"))
	c := newTestAVRClient(t, f, Callbacks{})
	ctx := context.Background()

	if _, err := c.GetPower(ctx, nil); err != nil {
		t.Fatalf("first GetPower() error = %v", err)
	}
	f.dropConnections()
	waitFor(t, "disconnect", func() bool { return !c.IsConnected() })

	if _, err := c.GetPower(ctx, nil); err != nil {
		t.Fatalf("GetPower() after drop error = %v", err)
	}
	if got := f.acceptCount(); got != 2 {
		t.Errorf("accepts = %d, want 2", got)
	}
	if got := c.Stats()["AVRCONTROL"].Connects; got != 2 {
		t.Errorf("Stats.Connects = %d, want 2", got)
	}
}

func TestAVRClient_PlaybackUnsupported(t *testing.T) {
	c := NewAVRClient("", "127.0.0.1", Options{})
	defer c.Close()
	ctx := context.Background()

	p, err := c.GetPlaying(ctx, nil)
	if p != PlayingUnsupported || !errors.Is(err, ErrUnsupported) {
		t.Errorf("GetPlaying() = %v, %v", p, err)
	}
	if _, err := c.SetPlaying(ctx, PlayingPlay); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetPlaying() error = %v", err)
	}
	if err := c.SetPlayNext(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetPlayNext() error = %v", err)
	}
	if err := c.SetPlayPrevious(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetPlayPrevious() error = %v", err)
	}
}

func TestAVRClient_CloseFailsPendingAndLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFakeReceiver(t, func(string) []string { return nil })
	c := NewAVRClient("", "127.0.0.1", Options{
		AVRPort:         f.port(),
		ResponseTimeout: 5 * time.Second,
	})

	errc := make(chan error, 1)
	go func() {
		_, err := c.GetPower(context.Background(), nil)
		errc <- err
	}()
	waitFor(t, "command on the wire", func() bool { return len(f.commands()) == 1 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClientClosed) {
			t.Errorf("pending GetPower() error = %v, want ErrClientClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed by Close")
	}

	if _, err := c.GetPower(context.Background(), nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("GetPower() after Close error = %v, want ErrClientClosed", err)
	}
	f.Close()
}
