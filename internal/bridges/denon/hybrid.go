package denon

import (
	"context"
	"errors"
	"maps"
)

// HybridClient uses AVR Control for power and HEOS CLI for everything else.
//
// The two halves have independent sockets and locks; no ordering is implied
// between them. Only the AVR half reports power, and only the HEOS half reports
// mute, volume, input and playback, since input identifiers differ between the
// two protocols.
type HybridClient struct {
	serial string
	avr    *AVRClient
	heos   *HEOSClient
}

// NewHybridClient creates both halves against the same host.
func NewHybridClient(serial, host string, opts Options) *HybridClient {
	avrOpts := opts
	avrOpts.Callbacks = Callbacks{Power: opts.Callbacks.Power}

	heosOpts := opts
	heosOpts.Callbacks = opts.Callbacks
	heosOpts.Callbacks.Power = nil

	return &HybridClient{
		serial: serial,
		avr:    NewAVRClient(serial, host, avrOpts),
		heos:   NewHEOSClient(serial, host, heosOpts),
	}
}

// Connect connects both halves, returning the joined errors.
func (c *HybridClient) Connect(ctx context.Context) error {
	return errors.Join(c.avr.Connect(ctx), c.heos.Connect(ctx))
}

// Close closes both halves.
func (c *HybridClient) Close() error {
	return errors.Join(c.avr.Close(), c.heos.Close())
}

// IsConnected reports whether either half is connected.
func (c *HybridClient) IsConnected() bool {
	return c.avr.IsConnected() || c.heos.IsConnected()
}

// SerialNumber returns the configured serial number.
func (c *HybridClient) SerialNumber() string {
	return c.serial
}

// ControlMode returns ModeHybrid.
func (c *HybridClient) ControlMode() ControlMode {
	return ModeHybrid
}

// InputSources returns the HEOS input list.
func (c *HybridClient) InputSources() []InputSource {
	return c.heos.InputSources()
}

// Stats returns the statistics of both halves.
func (c *HybridClient) Stats() map[string]Stats {
	out := c.avr.Stats()
	maps.Copy(out, c.heos.Stats())
	return out
}

// GetPower delegates to AVR Control.
func (c *HybridClient) GetPower(ctx context.Context, rs *RaceStatus) (bool, error) {
	return c.avr.GetPower(ctx, rs)
}

// SetPower delegates to AVR Control.
func (c *HybridClient) SetPower(ctx context.Context, on bool) (bool, error) {
	return c.avr.SetPower(ctx, on)
}

// GetMute delegates to HEOS CLI.
func (c *HybridClient) GetMute(ctx context.Context, rs *RaceStatus) (bool, error) {
	return c.heos.GetMute(ctx, rs)
}

// SetMute delegates to HEOS CLI.
func (c *HybridClient) SetMute(ctx context.Context, muted bool) (bool, error) {
	return c.heos.SetMute(ctx, muted)
}

// GetVolume delegates to HEOS CLI.
func (c *HybridClient) GetVolume(ctx context.Context, rs *RaceStatus) (int, error) {
	return c.heos.GetVolume(ctx, rs)
}

// SetVolume delegates to HEOS CLI.
func (c *HybridClient) SetVolume(ctx context.Context, level int) (int, error) {
	return c.heos.SetVolume(ctx, level)
}

// SetVolumeUp delegates to HEOS CLI.
func (c *HybridClient) SetVolumeUp(ctx context.Context, steps int) error {
	return c.heos.SetVolumeUp(ctx, steps)
}

// SetVolumeDown delegates to HEOS CLI.
func (c *HybridClient) SetVolumeDown(ctx context.Context, steps int) error {
	return c.heos.SetVolumeDown(ctx, steps)
}

// GetInput delegates to HEOS CLI.
func (c *HybridClient) GetInput(ctx context.Context, rs *RaceStatus) (string, error) {
	return c.heos.GetInput(ctx, rs)
}

// SetInput delegates to HEOS CLI.
func (c *HybridClient) SetInput(ctx context.Context, input string) (string, error) {
	return c.heos.SetInput(ctx, input)
}

// GetPlaying delegates to HEOS CLI.
func (c *HybridClient) GetPlaying(ctx context.Context, rs *RaceStatus) (Playing, error) {
	return c.heos.GetPlaying(ctx, rs)
}

// SetPlaying delegates to HEOS CLI.
func (c *HybridClient) SetPlaying(ctx context.Context, state Playing) (Playing, error) {
	return c.heos.SetPlaying(ctx, state)
}

// SetPlayNext delegates to HEOS CLI.
func (c *HybridClient) SetPlayNext(ctx context.Context) error {
	return c.heos.SetPlayNext(ctx)
}

// SetPlayPrevious delegates to HEOS CLI.
func (c *HybridClient) SetPlayPrevious(ctx context.Context) error {
	return c.heos.SetPlayPrevious(ctx)
}
