package denon

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Default timeouts.
const (
	// DefaultConnectTimeout is the TCP connect budget.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultResponseTimeout is the budget for a correlated reply.
	DefaultResponseTimeout = 1 * time.Second
)

// Volume bounds shared by all control protocols.
const (
	MinVolume = 0
	MaxVolume = 100

	// MinVolumeSteps and MaxVolumeSteps bound SetVolumeUp/SetVolumeDown.
	MinVolumeSteps = 1
	MaxVolumeSteps = 10
)

// Logger defines the logging interface used by receiver clients.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// withRace prefixes keysAndValues with the race id when rs is set.
func withRace(rs *RaceStatus, keysAndValues ...any) []any {
	if rs == nil {
		return keysAndValues
	}
	return append([]any{"race_id", rs.ID()}, keysAndValues...)
}

// Callbacks receive state observed by a client, solicited or pushed.
// Any field may be nil. Callbacks run on the connection's read goroutine or on
// the calling goroutine and must not block.
type Callbacks struct {
	Power   func(on bool)
	Mute    func(muted bool)
	Volume  func(level int)
	Input   func(input string)
	Playing func(state Playing)
}

// Options configures a receiver client.
type Options struct {
	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// ResponseTimeout defaults to DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// AVRPort and HEOSPort override the well-known protocol ports.
	AVRPort  int
	HEOSPort int

	Logger    Logger
	Callbacks Callbacks
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.AVRPort == 0 {
		o.AVRPort = ModeAVRControl.Port()
	}
	if o.HEOSPort == 0 {
		o.HEOSPort = ModeHEOSCLI.Port()
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// Playing is the playback state of a receiver.
type Playing int

// Playback states.
const (
	PlayingUnsupported Playing = iota
	PlayingPlay
	PlayingPause
	PlayingStop
)

var playingNames = map[Playing]string{
	PlayingUnsupported: "unsupported",
	PlayingPlay:        "play",
	PlayingPause:       "pause",
	PlayingStop:        "stop",
}

// String returns the lower-case state name.
func (p Playing) String() string {
	if name, ok := playingNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsPlaying derives the power-like boolean from a playback state.
func (p Playing) IsPlaying() bool {
	return p == PlayingPlay
}

// ParsePlaying parses "play", "pause" or "stop".
func ParsePlaying(s string) (Playing, error) {
	for p, name := range playingNames {
		if p != PlayingUnsupported && strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PlayingUnsupported, fmt.Errorf("%w: unknown playback state %q", ErrInvalidArgument, s)
}

// InputSource is a selectable input.
type InputSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the capability interface shared by all control protocols.
//
// Get-operations accept an optional *RaceStatus. When the race is over by the
// time a result arrives, the result is pushed through Callbacks instead.
type Client interface {
	// Connect opens the connection eagerly. Commands connect lazily anyway.
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	SerialNumber() string
	ControlMode() ControlMode
	InputSources() []InputSource
	Stats() map[string]Stats

	GetPower(ctx context.Context, rs *RaceStatus) (bool, error)
	SetPower(ctx context.Context, on bool) (bool, error)
	GetMute(ctx context.Context, rs *RaceStatus) (bool, error)
	SetMute(ctx context.Context, muted bool) (bool, error)
	GetVolume(ctx context.Context, rs *RaceStatus) (int, error)
	SetVolume(ctx context.Context, level int) (int, error)
	SetVolumeUp(ctx context.Context, steps int) error
	SetVolumeDown(ctx context.Context, steps int) error
	GetInput(ctx context.Context, rs *RaceStatus) (string, error)
	SetInput(ctx context.Context, input string) (string, error)
	GetPlaying(ctx context.Context, rs *RaceStatus) (Playing, error)
	SetPlaying(ctx context.Context, state Playing) (Playing, error)
	SetPlayNext(ctx context.Context) error
	SetPlayPrevious(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ Client = (*AVRClient)(nil)
	_ Client = (*HEOSClient)(nil)
	_ Client = (*HybridClient)(nil)
)

// New creates the client for mode. ModeAuto must be resolved with
// SelectControlMode first.
func New(mode ControlMode, serial, host string, opts Options) (Client, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidArgument)
	}

	switch mode {
	case ModeAVRControl:
		return NewAVRClient(serial, host, opts), nil
	case ModeHEOSCLI:
		if serial == "" {
			return nil, fmt.Errorf("%w: serial number is required for HEOS", ErrInvalidArgument)
		}
		return NewHEOSClient(serial, host, opts), nil
	case ModeHybrid:
		if serial == "" {
			return nil, fmt.Errorf("%w: serial number is required for HEOS", ErrInvalidArgument)
		}
		return NewHybridClient(serial, host, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownControlMode, mode)
	}
}

func validateVolume(level int) error {
	if level < MinVolume || level > MaxVolume {
		return fmt.Errorf("%w: volume %d outside %d-%d", ErrInvalidArgument, level, MinVolume, MaxVolume)
	}
	return nil
}

func validateSteps(steps int) error {
	if steps < MinVolumeSteps || steps > MaxVolumeSteps {
		return fmt.Errorf("%w: volume steps %d outside %d-%d", ErrInvalidArgument, steps, MinVolumeSteps, MaxVolumeSteps)
	}
	return nil
}

// late claims rs for the caller. When the caller has already given up, the
// late arrival is logged and late returns true so the result can be pushed
// through Callbacks instead.
func late(logger Logger, rs *RaceStatus, what string, value any) bool {
	if rs == nil || rs.claim() {
		return false
	}
	logger.Debug("result arrived late", "race_id", rs.ID(), "operation", what, "value", value)
	return true
}
