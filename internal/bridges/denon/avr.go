package denon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// AVR Control framing.
const (
	avrCommandSeparator  = "\r\n"
	avrResponseSeparator = "\r"
)

// avrMaxVolume is the highest volume the two-digit encoding can carry.
const avrMaxVolume = 99

var (
	avrPowerValues = ValueTable[bool]{{Wire: "ON", Value: true}, {Wire: "STANDBY", Value: false}}
	avrMuteValues  = ValueTable[bool]{{Wire: "ON", Value: true}, {Wire: "OFF", Value: false}}

	avrPowerPattern  = regexp.MustCompile(`^PW(\w+)$`)
	avrMutePattern   = regexp.MustCompile(`^MU(\w+)$`)
	avrVolumePattern = regexp.MustCompile(`^MV(\d{2})5?$`)
	avrInputPattern  = regexp.MustCompile(`^SI(.+)$`)
)

// AVR Control command table.
var (
	avrPower = &CommandSpec{
		Name:   "power",
		Get:    &SubSpec{Command: "PW?", Expected: avrPowerPattern},
		Set:    &SubSpec{Command: "PW", Params: placeholderValue, Expected: avrPowerPattern},
		Values: avrPowerValues,
	}
	avrMute = &CommandSpec{
		Name:   "mute",
		Get:    &SubSpec{Command: "MU?", Expected: avrMutePattern},
		Set:    &SubSpec{Command: "MU", Params: placeholderValue, Expected: avrMutePattern},
		Values: avrMuteValues,
	}
	avrVolume = &CommandSpec{
		Name: "volume",
		Get:  &SubSpec{Command: "MV?", Expected: avrVolumePattern},
		Set:  &SubSpec{Command: "MV", Params: placeholderValue, Expected: avrVolumePattern},
	}
	avrVolumeUp = &CommandSpec{
		Name: "volume_up",
		Set:  &SubSpec{Command: "MVUP"},
	}
	avrVolumeDown = &CommandSpec{
		Name: "volume_down",
		Set:  &SubSpec{Command: "MVDOWN"},
	}
	avrInput = &CommandSpec{
		Name: "input",
		Get:  &SubSpec{Command: "SI?", Expected: avrInputPattern},
		Set:  &SubSpec{Command: "SI", Params: placeholderValue, Expected: avrInputPattern},
	}
)

// avrDefaultInputs are the source identifiers AVR Control accepts after "SI".
var avrDefaultInputs = []InputSource{
	{"ANALOG1", "Analog 1"},
	{"ANALOG2", "Analog 2"},
	{"AUX1", "AUX 1"},
	{"AUX2", "AUX 2"},
	{"BD", "Blu-ray"},
	{"CBL/SAT", "Cable/SAT"},
	{"CD", "CD"},
	{"DOCK", "Dock"},
	{"DVD", "DVD"},
	{"FAVORITES", "Favorites"},
	{"GAME", "Game"},
	{"GAME2", "Game 2"},
	{"IPOD", "iPod"},
	{"IRADIO", "Internet Radio"},
	{"IRP", "Internet Radio Presets"},
	{"LASTFM", "LastFM"},
	{"MPLAY", "Music Play"},
	{"NET", "Local Network"},
	{"NET/USB", "Network/USB"},
	{"NETWORK", "Network"},
	{"OPTICAL1", "Optical 1"},
	{"OPTICAL2", "Optical 2"},
	{"PANDORA", "Pandora"},
	{"RHAPSODY", "Rhapsody"},
	{"SAT/CBL", "SAT/Cable"},
	{"SERVER", "Media Server"},
	{"SPOTIFY", "Spotify"},
	{"TUNER", "Tuner"},
	{"TV", "TV"},
	{"USB", "USB"},
}

// AVRClient controls a receiver over the AVR Control text protocol.
//
// The receiver pushes state changes spontaneously, so no subscription is
// needed after connecting. Playback control is not part of the protocol.
type AVRClient struct {
	serial    string
	conn      *conn
	logger    Logger
	callbacks Callbacks
}

// NewAVRClient creates an AVR Control client. No connection is made until
// Connect or the first command.
func NewAVRClient(serial, host string, opts Options) *AVRClient {
	opts = opts.withDefaults()

	c := &AVRClient{
		serial:    serial,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
	}
	c.conn = newConn(connParams{
		host:              host,
		port:              opts.AVRPort,
		connectTimeout:    opts.ConnectTimeout,
		responseTimeout:   opts.ResponseTimeout,
		commandSeparator:  avrCommandSeparator,
		responseSeparator: avrResponseSeparator,
	}, opts.Logger)
	c.conn.route = c.route
	return c
}

// Connect opens the connection if needed.
func (c *AVRClient) Connect(ctx context.Context) error {
	return c.conn.connect(ctx)
}

// Close closes the connection permanently.
func (c *AVRClient) Close() error {
	return c.conn.close()
}

// IsConnected reports whether the socket is open.
func (c *AVRClient) IsConnected() bool {
	return c.conn.isConnected()
}

// SerialNumber returns the configured serial number.
func (c *AVRClient) SerialNumber() string {
	return c.serial
}

// ControlMode returns ModeAVRControl.
func (c *AVRClient) ControlMode() ControlMode {
	return ModeAVRControl
}

// InputSources returns the AVR Control input identifiers.
func (c *AVRClient) InputSources() []InputSource {
	return append([]InputSource(nil), avrDefaultInputs...)
}

// Stats returns connection statistics keyed by protocol.
func (c *AVRClient) Stats() map[string]Stats {
	return map[string]Stats{ModeAVRControl.String(): c.conn.snapshot()}
}

// route matches a frame against the pending request, falling back to the
// unsolicited handler.
func (c *AVRClient) route(frame string) error {
	matched := c.conn.matchPending(func(req *request) (reply, bool) {
		out, ok := extractValue(req.expected, frame)
		if !ok || out == "" {
			return reply{}, false
		}
		return reply{value: out}, true
	})

	if matched && !c.conn.params.routeMatchedToGeneric {
		return nil
	}
	return c.handleUnsolicited(frame)
}

// handleUnsolicited dispatches pushed state to the callbacks.
func (c *AVRClient) handleUnsolicited(frame string) error {
	if m := avrPowerPattern.FindStringSubmatch(frame); m != nil {
		on, err := avrPowerValues.decode("power", m[1])
		if err != nil {
			return err
		}
		c.conn.stats.eventsDispatched.Add(1)
		if c.callbacks.Power != nil {
			c.callbacks.Power(on)
		}
		return nil
	}

	if m := avrMutePattern.FindStringSubmatch(frame); m != nil {
		muted, err := avrMuteValues.decode("mute", m[1])
		if err != nil {
			return err
		}
		c.conn.stats.eventsDispatched.Add(1)
		if c.callbacks.Mute != nil {
			c.callbacks.Mute(muted)
		}
		return nil
	}

	if m := avrVolumePattern.FindStringSubmatch(frame); m != nil {
		level, err := strconv.Atoi(m[1])
		if err != nil {
			return invalidResponse("unparseable volume", m[1])
		}
		c.conn.stats.eventsDispatched.Add(1)
		if c.callbacks.Volume != nil {
			c.callbacks.Volume(level)
		}
		return nil
	}

	if m := avrInputPattern.FindStringSubmatch(frame); m != nil {
		c.conn.stats.eventsDispatched.Add(1)
		if c.callbacks.Input != nil {
			c.callbacks.Input(m[1])
		}
		return nil
	}

	return nil
}

func (c *AVRClient) send(ctx context.Context, spec *CommandSpec, mode Mode, value string, rs *RaceStatus) (string, error) {
	return sendCommand(ctx, c.conn, spec, mode, commandArgs{value: value, race: rs})
}

// GetPower queries "PW?".
func (c *AVRClient) GetPower(ctx context.Context, rs *RaceStatus) (bool, error) {
	out, err := c.send(ctx, avrPower, ModeGet, "", rs)
	if err != nil {
		return false, err
	}
	on, err := avrPowerValues.decode("power", out)
	if err != nil {
		return false, err
	}
	if late(c.logger, rs, "power", on) && c.callbacks.Power != nil {
		c.callbacks.Power(on)
	}
	return on, nil
}

// SetPower sends "PWON" or "PWSTANDBY".
func (c *AVRClient) SetPower(ctx context.Context, on bool) (bool, error) {
	token, err := avrPowerValues.encode("power", on)
	if err != nil {
		return false, err
	}
	out, err := c.send(ctx, avrPower, ModeSet, token, nil)
	if err != nil {
		return false, err
	}
	return avrPowerValues.decode("power", out)
}

// GetMute queries "MU?".
func (c *AVRClient) GetMute(ctx context.Context, rs *RaceStatus) (bool, error) {
	out, err := c.send(ctx, avrMute, ModeGet, "", rs)
	if err != nil {
		return false, err
	}
	muted, err := avrMuteValues.decode("mute", out)
	if err != nil {
		return false, err
	}
	if late(c.logger, rs, "mute", muted) && c.callbacks.Mute != nil {
		c.callbacks.Mute(muted)
	}
	return muted, nil
}

// SetMute sends "MUON" or "MUOFF".
func (c *AVRClient) SetMute(ctx context.Context, muted bool) (bool, error) {
	token, err := avrMuteValues.encode("mute", muted)
	if err != nil {
		return false, err
	}
	out, err := c.send(ctx, avrMute, ModeSet, token, nil)
	if err != nil {
		return false, err
	}
	return avrMuteValues.decode("mute", out)
}

// GetVolume queries "MV?". A trailing half step is dropped.
func (c *AVRClient) GetVolume(ctx context.Context, rs *RaceStatus) (int, error) {
	out, err := c.send(ctx, avrVolume, ModeGet, "", rs)
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(out)
	if err != nil {
		return 0, invalidResponse("unparseable volume", out)
	}
	if late(c.logger, rs, "volume", level) && c.callbacks.Volume != nil {
		c.callbacks.Volume(level)
	}
	return level, nil
}

// SetVolume sends "MVnn". 100 has no two-digit encoding and is sent as 99.
func (c *AVRClient) SetVolume(ctx context.Context, level int) (int, error) {
	if err := validateVolume(level); err != nil {
		return 0, err
	}
	level = min(level, avrMaxVolume)

	out, err := c.send(ctx, avrVolume, ModeSet, fmt.Sprintf("%02d", level), nil)
	if err != nil {
		return 0, err
	}
	got, err := strconv.Atoi(out)
	if err != nil {
		return 0, invalidResponse("unparseable volume", out)
	}
	return got, nil
}

// SetVolumeUp sends "MVUP" steps times, one round trip each.
func (c *AVRClient) SetVolumeUp(ctx context.Context, steps int) error {
	return c.step(ctx, avrVolumeUp, steps)
}

// SetVolumeDown sends "MVDOWN" steps times, one round trip each.
func (c *AVRClient) SetVolumeDown(ctx context.Context, steps int) error {
	return c.step(ctx, avrVolumeDown, steps)
}

func (c *AVRClient) step(ctx context.Context, spec *CommandSpec, steps int) error {
	if err := validateSteps(steps); err != nil {
		return err
	}
	for i := range steps {
		if _, err := c.send(ctx, spec, ModeSet, "", nil); err != nil {
			return fmt.Errorf("%s step %d of %d: %w", spec.Name, i+1, steps, err)
		}
	}
	return nil
}

// GetInput queries "SI?".
func (c *AVRClient) GetInput(ctx context.Context, rs *RaceStatus) (string, error) {
	input, err := c.send(ctx, avrInput, ModeGet, "", rs)
	if err != nil {
		return "", err
	}
	if late(c.logger, rs, "input", input) && c.callbacks.Input != nil {
		c.callbacks.Input(input)
	}
	return input, nil
}

// SetInput sends "SI" followed by the input identifier.
func (c *AVRClient) SetInput(ctx context.Context, input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("%w: input is required", ErrInvalidArgument)
	}
	return c.send(ctx, avrInput, ModeSet, input, nil)
}

// GetPlaying reports PlayingUnsupported.
func (c *AVRClient) GetPlaying(context.Context, *RaceStatus) (Playing, error) {
	return PlayingUnsupported, fmt.Errorf("%w: playback state", ErrUnsupported)
}

// SetPlaying reports PlayingUnsupported.
func (c *AVRClient) SetPlaying(context.Context, Playing) (Playing, error) {
	return PlayingUnsupported, fmt.Errorf("%w: playback control", ErrUnsupported)
}

// SetPlayNext is not supported by AVR Control.
func (c *AVRClient) SetPlayNext(context.Context) error {
	return fmt.Errorf("%w: next track", ErrUnsupported)
}

// SetPlayPrevious is not supported by AVR Control.
func (c *AVRClient) SetPlayPrevious(context.Context) error {
	return fmt.Errorf("%w: previous track", ErrUnsupported)
}
