package denon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallbackTimeout bounds how long a state read waits for each field.
const DefaultCallbackTimeout = 1500 * time.Millisecond

// DefaultVolumeStep is the volume_up/volume_down step when none is configured.
const DefaultVolumeStep = 1

// MaxVolumeLimit is the highest configurable device volume limit.
const MaxVolumeLimit = 99

// ReceiverConfig describes one configured receiver.
type ReceiverConfig struct {
	// ID is the stable identifier used in topics and the API.
	ID string

	// Name is the display name.
	Name string

	Host   string
	Serial string

	// ControlMode selects the protocol. ModeAuto is resolved by probing.
	ControlMode ControlMode

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	// VolumeLimit caps the device volume. User volume 0-100 is scaled onto
	// 0-VolumeLimit. Zero disables the limit.
	VolumeLimit int

	// VolumeStep is the default number of steps for volume_up/volume_down.
	VolumeStep int
}

// Validate checks the receiver configuration.
func (c ReceiverConfig) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.VolumeLimit < 0 || c.VolumeLimit > MaxVolumeLimit {
		errs = append(errs, fmt.Errorf("volume_limit %d outside 0-%d", c.VolumeLimit, MaxVolumeLimit))
	}
	if c.VolumeStep != 0 && (c.VolumeStep < MinVolumeSteps || c.VolumeStep > MaxVolumeSteps) {
		errs = append(errs, fmt.Errorf("volume_step %d outside %d-%d", c.VolumeStep, MinVolumeSteps, MaxVolumeSteps))
	}
	if (c.ControlMode == ModeHEOSCLI || c.ControlMode == ModeHybrid) && c.Serial == "" {
		errs = append(errs, fmt.Errorf("serial is required for %s", c.ControlMode))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("receiver %q: %w", c.ID, err)
	}
	return nil
}

// ReceiverState is the last known state of a receiver. Nil fields are unknown.
// Volume is on the user scale (0-100) after the volume limit is undone.
type ReceiverState struct {
	Power     *bool     `json:"power,omitempty"`
	Mute      *bool     `json:"mute,omitempty"`
	Volume    *int      `json:"volume,omitempty"`
	Input     *string   `json:"input,omitempty"`
	Playing   *string   `json:"playing,omitempty"`
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Fields returns the known fields as a flat map.
func (s ReceiverState) Fields() map[string]any {
	out := map[string]any{"connected": s.Connected}
	if s.Power != nil {
		out["power"] = *s.Power
	}
	if s.Mute != nil {
		out["mute"] = *s.Mute
	}
	if s.Volume != nil {
		out["volume"] = *s.Volume
	}
	if s.Input != nil {
		out["input"] = *s.Input
	}
	if s.Playing != nil {
		out["playing"] = *s.Playing
	}
	return out
}

// StateChange describes one updated field of a receiver.
type StateChange struct {
	ReceiverID string
	Field      string
	Value      any
	State      ReceiverState
}

// Receiver couples a protocol client with its cached state and the
// user-facing volume scale.
type Receiver struct {
	cfg             ReceiverConfig
	client          Client
	logger          Logger
	callbackTimeout time.Duration
	onChange        func(StateChange)

	mu            sync.RWMutex
	state         ReceiverState
	lastSetVolume int
	hasLastSet    bool

	volumeBusy  atomic.Bool
	playingBusy atomic.Bool
}

// NewReceiver creates the client for cfg with newClient (New when nil) and
// binds its callbacks to the receiver's state cache. cfg.ControlMode must not
// be ModeAuto. onChange is called for every changed field and may be nil.
func NewReceiver(cfg ReceiverConfig, newClient ClientFactory, logger Logger, callbackTimeout time.Duration, onChange func(StateChange)) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if newClient == nil {
		newClient = New
	}
	r := newReceiver(cfg, nil, logger, callbackTimeout, onChange)

	client, err := newClient(cfg.ControlMode, cfg.Serial, cfg.Host, Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          r.logger,
		Callbacks:       r.callbacks(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating client for receiver %q: %w", cfg.ID, err)
	}
	r.client = client
	return r, nil
}

func newReceiver(cfg ReceiverConfig, client Client, logger Logger, callbackTimeout time.Duration, onChange func(StateChange)) *Receiver {
	if logger == nil {
		logger = nopLogger{}
	}
	if callbackTimeout <= 0 {
		callbackTimeout = DefaultCallbackTimeout
	}
	if cfg.VolumeStep == 0 {
		cfg.VolumeStep = DefaultVolumeStep
	}
	if onChange == nil {
		onChange = func(StateChange) {}
	}
	return &Receiver{
		cfg:             cfg,
		client:          client,
		logger:          logger,
		callbackTimeout: callbackTimeout,
		onChange:        onChange,
	}
}

func (r *Receiver) callbacks() Callbacks {
	return Callbacks{
		Power:   func(on bool) { r.update("power", on) },
		Mute:    func(muted bool) { r.update("mute", muted) },
		Volume:  func(level int) { r.update("volume", r.adjustBackFromVolumeLimit(level)) },
		Input:   func(input string) { r.update("input", input) },
		Playing: func(p Playing) { r.update("playing", p.String()) },
	}
}

// ID returns the configured receiver id.
func (r *Receiver) ID() string { return r.cfg.ID }

// Config returns the receiver configuration.
func (r *Receiver) Config() ReceiverConfig { return r.cfg }

// Client returns the underlying protocol client.
func (r *Receiver) Client() Client { return r.client }

// State returns a snapshot of the cached state.
func (r *Receiver) State() ReceiverState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.state
	st.Connected = r.client != nil && r.client.IsConnected()
	return st
}

// Restore seeds the cache with previously persisted state.
func (r *Receiver) Restore(st ReceiverState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
	r.state.Connected = false
}

// update stores one field and notifies onChange when the value changed.
func (r *Receiver) update(field string, value any) {
	r.mu.Lock()
	changed := r.setFieldLocked(field, value)
	if changed {
		r.state.UpdatedAt = time.Now().UTC()
	}
	st := r.state
	r.mu.Unlock()

	if !changed {
		return
	}
	st.Connected = r.client != nil && r.client.IsConnected()
	r.logger.Debug("receiver state changed", "receiver", r.cfg.ID, "field", field, "value", value)
	r.onChange(StateChange{ReceiverID: r.cfg.ID, Field: field, Value: value, State: st})
}

func (r *Receiver) setFieldLocked(field string, value any) bool {
	switch v := value.(type) {
	case bool:
		target := &r.state.Power
		if field == "mute" {
			target = &r.state.Mute
		}
		if *target != nil && **target == v {
			return false
		}
		*target = &v
	case int:
		if r.state.Volume != nil && *r.state.Volume == v {
			return false
		}
		r.state.Volume = &v
	case string:
		target := &r.state.Input
		if field == "playing" {
			target = &r.state.Playing
		}
		if *target != nil && **target == v {
			return false
		}
		*target = &v
	default:
		return false
	}
	return true
}

// adjustToVolumeLimit scales a user volume onto the device range.
func (r *Receiver) adjustToVolumeLimit(volume int) int {
	if r.cfg.VolumeLimit == 0 {
		return volume
	}
	return int(math.Round(float64(volume*r.cfg.VolumeLimit) / 100))
}

// adjustBackFromVolumeLimit scales a device volume back to the user range.
// The last volume set through the receiver is returned unchanged when it maps
// onto the reported device volume, so round trips are stable.
func (r *Receiver) adjustBackFromVolumeLimit(volume int) int {
	if r.cfg.VolumeLimit == 0 {
		return volume
	}
	r.mu.RLock()
	last, ok := r.lastSetVolume, r.hasLastSet
	r.mu.RUnlock()
	if ok && r.adjustToVolumeLimit(last) == volume {
		return last
	}
	return int(math.Round(float64(volume) / float64(r.cfg.VolumeLimit) * 100))
}

// Connect connects the underlying client.
func (r *Receiver) Connect(ctx context.Context) error {
	return r.client.Connect(ctx)
}

// Close closes the underlying client.
func (r *Receiver) Close() error {
	return r.client.Close()
}

// ReadState queries every field, each raced against the callback timeout.
// Fields that time out are left as cached; their values arrive later through
// the callbacks. An error is returned only when no field could be read.
func (r *Receiver) ReadState(ctx context.Context) (ReceiverState, error) {
	reads := []struct {
		field string
		read  func(ctx context.Context) (any, error)
	}{
		{"power", func(ctx context.Context) (any, error) {
			return Race(ctx, r.callbackTimeout, r.client.GetPower)
		}},
		{"mute", func(ctx context.Context) (any, error) {
			return Race(ctx, r.callbackTimeout, r.client.GetMute)
		}},
		{"volume", func(ctx context.Context) (any, error) {
			v, err := Race(ctx, r.callbackTimeout, r.client.GetVolume)
			return r.adjustBackFromVolumeLimit(v), err
		}},
		{"input", func(ctx context.Context) (any, error) {
			return Race(ctx, r.callbackTimeout, r.client.GetInput)
		}},
		{"playing", func(ctx context.Context) (any, error) {
			p, err := Race(ctx, r.callbackTimeout, r.client.GetPlaying)
			return p.String(), err
		}},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		okCount  int
	)
	for _, rd := range reads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := rd.read(ctx)
			if err == nil {
				r.update(rd.field, v)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrUnsupported):
			default:
				if KindOf(err) == KindCallerTimeout {
					r.logger.Debug("state read lost its race", "receiver", r.cfg.ID, "field", rd.field)
				} else {
					r.logger.Warn("state read failed", "receiver", r.cfg.ID, "field", rd.field, "error", err)
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}()
	}
	wg.Wait()

	if okCount == 0 && firstErr != nil {
		return r.State(), fmt.Errorf("reading state of receiver %q: %w", r.cfg.ID, firstErr)
	}
	return r.State(), nil
}

// Execute runs a bridge command against the receiver and returns the
// command result for the acknowledgment.
func (r *Receiver) Execute(ctx context.Context, command string, params map[string]any) (map[string]any, error) {
	switch command {
	case CmdPowerOn:
		return r.setPower(ctx, true)
	case CmdPowerOff:
		return r.setPower(ctx, false)
	case CmdSetPower:
		on, err := boolParam(params, "on")
		if err != nil {
			return nil, err
		}
		return r.setPower(ctx, on)
	case CmdMute:
		return r.setMute(ctx, true)
	case CmdUnmute:
		return r.setMute(ctx, false)
	case CmdSetMute:
		muted, err := boolParam(params, "muted")
		if err != nil {
			return nil, err
		}
		return r.setMute(ctx, muted)
	case CmdSetVolume:
		level, err := intParam(params, "level")
		if err != nil {
			return nil, err
		}
		return r.setVolume(ctx, level)
	case CmdVolumeUp:
		return r.stepVolume(ctx, params, true)
	case CmdVolumeDown:
		return r.stepVolume(ctx, params, false)
	case CmdSetInput:
		input, err := stringParam(params, "input")
		if err != nil {
			return nil, err
		}
		got, err := r.client.SetInput(ctx, input)
		if err != nil {
			return nil, err
		}
		r.update("input", got)
		return map[string]any{"input": got}, nil
	case CmdPlay:
		return r.setPlaying(ctx, PlayingPlay)
	case CmdPause:
		return r.setPlaying(ctx, PlayingPause)
	case CmdStop:
		return r.setPlaying(ctx, PlayingStop)
	case CmdSetPlaying:
		name, err := stringParam(params, "state")
		if err != nil {
			return nil, err
		}
		state, err := ParsePlaying(name)
		if err != nil {
			return nil, err
		}
		return r.setPlaying(ctx, state)
	case CmdTogglePlayback:
		return r.togglePlayback(ctx)
	case CmdNext:
		return nil, r.client.SetPlayNext(ctx)
	case CmdPrevious:
		return nil, r.client.SetPlayPrevious(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

func (r *Receiver) setPower(ctx context.Context, on bool) (map[string]any, error) {
	got, err := r.client.SetPower(ctx, on)
	if err != nil {
		return nil, err
	}
	r.update("power", got)
	return map[string]any{"power": got}, nil
}

func (r *Receiver) setMute(ctx context.Context, muted bool) (map[string]any, error) {
	got, err := r.client.SetMute(ctx, muted)
	if err != nil {
		return nil, err
	}
	r.update("mute", got)
	return map[string]any{"mute": got}, nil
}

func (r *Receiver) setVolume(ctx context.Context, level int) (map[string]any, error) {
	if err := validateVolume(level); err != nil {
		return nil, err
	}
	if !r.volumeBusy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: volume", ErrBusy)
	}
	defer r.volumeBusy.Store(false)

	r.mu.Lock()
	r.lastSetVolume, r.hasLastSet = level, true
	r.mu.Unlock()

	device := r.adjustToVolumeLimit(level)
	got, err := r.client.SetVolume(ctx, device)
	if err != nil {
		return nil, err
	}
	volume := r.adjustBackFromVolumeLimit(got)
	r.update("volume", volume)
	return map[string]any{"volume": volume, "device_volume": got}, nil
}

// stepVolume steps the volume, never stepping up past the volume limit.
func (r *Receiver) stepVolume(ctx context.Context, params map[string]any, up bool) (map[string]any, error) {
	steps := r.cfg.VolumeStep
	if _, ok := params["steps"]; ok {
		n, err := intParam(params, "steps")
		if err != nil {
			return nil, err
		}
		steps = n
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	if !r.volumeBusy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: volume", ErrBusy)
	}
	defer r.volumeBusy.Store(false)

	if !up {
		if err := r.client.SetVolumeDown(ctx, steps); err != nil {
			return nil, err
		}
		return r.refreshVolume(ctx, steps), nil
	}

	if r.cfg.VolumeLimit > 0 {
		current, err := r.client.GetVolume(ctx, nil)
		if err != nil {
			return nil, err
		}
		headroom := r.cfg.VolumeLimit - current
		if headroom <= 0 {
			r.logger.Debug("volume limit reached", "receiver", r.cfg.ID, "limit", r.cfg.VolumeLimit, "volume", current)
			return map[string]any{"steps": 0, "limited": true}, nil
		}
		steps = min(steps, headroom)
	}
	if err := r.client.SetVolumeUp(ctx, steps); err != nil {
		return nil, err
	}
	return r.refreshVolume(ctx, steps), nil
}

// refreshVolume reads the volume after a step command. Step replies are not
// routed to the callbacks, so the cache is updated here. A failed read only
// leaves the volume out of the result.
func (r *Receiver) refreshVolume(ctx context.Context, steps int) map[string]any {
	result := map[string]any{"steps": steps}
	device, err := r.client.GetVolume(ctx, nil)
	if err != nil {
		r.logger.Debug("volume refresh failed", "receiver", r.cfg.ID, "error", err)
		return result
	}
	volume := r.adjustBackFromVolumeLimit(device)
	r.update("volume", volume)
	result["volume"] = volume
	return result
}

func (r *Receiver) setPlaying(ctx context.Context, state Playing) (map[string]any, error) {
	if !r.playingBusy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: playback", ErrBusy)
	}
	defer r.playingBusy.Store(false)

	return r.applyPlaying(ctx, state)
}

func (r *Receiver) applyPlaying(ctx context.Context, state Playing) (map[string]any, error) {
	got, err := r.client.SetPlaying(ctx, state)
	if err != nil {
		return nil, err
	}
	r.update("playing", got.String())
	return map[string]any{"playing": got.String()}, nil
}

// togglePlayback pauses when playing and plays when paused or stopped.
func (r *Receiver) togglePlayback(ctx context.Context) (map[string]any, error) {
	if !r.playingBusy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: playback", ErrBusy)
	}
	defer r.playingBusy.Store(false)

	current, err := Race(ctx, r.callbackTimeout, r.client.GetPlaying)
	if err != nil {
		return nil, err
	}

	var target Playing
	switch current {
	case PlayingPlay:
		target = PlayingPause
	case PlayingPause, PlayingStop:
		target = PlayingPlay
	default:
		return nil, fmt.Errorf("%w: playback state", ErrUnsupported)
	}
	return r.applyPlaying(ctx, target)
}

func boolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, fmt.Errorf("%w: missing %q parameter", ErrInvalidArgument, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q must be a boolean", ErrInvalidArgument, key)
	}
	return b, nil
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q parameter", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %q must be an integer", ErrInvalidArgument, key)
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidArgument, key)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q parameter", ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidArgument, key)
	}
	return s, nil
}
