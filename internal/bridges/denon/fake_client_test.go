package denon

import (
	"context"
	"fmt"
	"sync"
)

// fakeClient is an in-memory Client. Device volume is stored unscaled.
type fakeClient struct {
	mu        sync.Mutex
	mode      ControlMode
	connected bool
	closed    bool

	power   bool
	mute    bool
	volume  int
	input   string
	playing Playing

	// errs maps a method name to the error it returns.
	errs map[string]error

	// block, when set for a method name, is received from before the
	// method returns.
	block map[string]chan struct{}

	calls []string
}

func newFakeClient(mode ControlMode) *fakeClient {
	return &fakeClient{
		mode:    mode,
		volume:  30,
		input:   "CD",
		playing: PlayingPause,
		errs:    map[string]error{},
		block:   map[string]chan struct{}{},
	}
}

var _ Client = (*fakeClient)(nil)

func (c *fakeClient) enter(name string) error {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	err := c.errs[name]
	ch := c.block[name]
	c.mu.Unlock()

	if ch != nil {
		<-ch
	}
	return err
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) setErr(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[name] = err
}

func (c *fakeClient) setBlock(name string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block[name] = ch
}

func (c *fakeClient) Connect(context.Context) error {
	if err := c.enter("Connect"); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) SerialNumber() string        { return "FAKE" }
func (c *fakeClient) ControlMode() ControlMode    { return c.mode }
func (c *fakeClient) InputSources() []InputSource { return []InputSource{{"CD", "CD"}, {"TUNER", "Tuner"}} }
func (c *fakeClient) Stats() map[string]Stats {
	return map[string]Stats{c.mode.String(): {Connected: c.IsConnected()}}
}

func (c *fakeClient) GetPower(context.Context, *RaceStatus) (bool, error) {
	if err := c.enter("GetPower"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power, nil
}

func (c *fakeClient) SetPower(_ context.Context, on bool) (bool, error) {
	if err := c.enter("SetPower"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.power = on
	return on, nil
}

func (c *fakeClient) GetMute(context.Context, *RaceStatus) (bool, error) {
	if err := c.enter("GetMute"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mute, nil
}

func (c *fakeClient) SetMute(_ context.Context, muted bool) (bool, error) {
	if err := c.enter("SetMute"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mute = muted
	return muted, nil
}

func (c *fakeClient) GetVolume(context.Context, *RaceStatus) (int, error) {
	if err := c.enter("GetVolume"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume, nil
}

func (c *fakeClient) SetVolume(_ context.Context, level int) (int, error) {
	if err := c.enter("SetVolume"); err != nil {
		return 0, err
	}
	if err := validateVolume(level); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = level
	return level, nil
}

func (c *fakeClient) SetVolumeUp(_ context.Context, steps int) error {
	if err := c.enter(fmt.Sprintf("SetVolumeUp(%d)", steps)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = min(c.volume+steps, MaxVolume)
	return nil
}

func (c *fakeClient) SetVolumeDown(_ context.Context, steps int) error {
	if err := c.enter(fmt.Sprintf("SetVolumeDown(%d)", steps)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = max(c.volume-steps, MinVolume)
	return nil
}

func (c *fakeClient) GetInput(context.Context, *RaceStatus) (string, error) {
	if err := c.enter("GetInput"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input, nil
}

func (c *fakeClient) SetInput(_ context.Context, input string) (string, error) {
	if err := c.enter("SetInput"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = input
	return input, nil
}

func (c *fakeClient) GetPlaying(context.Context, *RaceStatus) (Playing, error) {
	if err := c.enter("GetPlaying"); err != nil {
		return PlayingUnsupported, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing, nil
}

func (c *fakeClient) SetPlaying(_ context.Context, state Playing) (Playing, error) {
	if err := c.enter("SetPlaying"); err != nil {
		return PlayingUnsupported, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = state
	return state, nil
}

func (c *fakeClient) SetPlayNext(context.Context) error {
	return c.enter("SetPlayNext")
}

func (c *fakeClient) SetPlayPrevious(context.Context) error {
	return c.enter("SetPlayPrevious")
}
