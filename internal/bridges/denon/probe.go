package denon

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ControlMode selects which control protocol(s) a client speaks.
type ControlMode int

// Control modes.
const (
	// ModeAuto probes the receiver and picks the richest supported mode.
	ModeAuto ControlMode = iota

	// ModeAVRControl uses the line-oriented text protocol on port 23.
	ModeAVRControl

	// ModeHEOSCLI uses the JSON protocol on port 1255.
	ModeHEOSCLI

	// ModeHybrid uses AVR Control for power and HEOS CLI for everything else.
	ModeHybrid
)

// Well-known protocol ports.
const (
	AVRControlPort = 23
	HEOSCLIPort    = 1255
)

// DefaultProbeTimeout is the connect budget per probed port.
const DefaultProbeTimeout = 5 * time.Second

var controlModeNames = map[ControlMode]string{
	ModeAuto:       "AUTO",
	ModeAVRControl: "AVRCONTROL",
	ModeHEOSCLI:    "HEOSCLI",
	ModeHybrid:     "HYBRID",
}

func (m ControlMode) String() string {
	if name, ok := controlModeNames[m]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(m)) + ")"
}

// Port returns the well-known port of a single-protocol mode, or 0.
func (m ControlMode) Port() int {
	switch m {
	case ModeAVRControl:
		return AVRControlPort
	case ModeHEOSCLI:
		return HEOSCLIPort
	default:
		return 0
	}
}

// ParseControlMode parses a mode name case-insensitively. An empty string is ModeAuto.
func ParseControlMode(s string) (ControlMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModeAuto, nil
	}
	for m, name := range controlModeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeAuto, fmt.Errorf("%w: %q", ErrUnknownControlMode, s)
}

// SelectControlMode picks the mode for a set of supported protocols.
// Both protocols yield ModeHybrid.
func SelectControlMode(supported []ControlMode) (ControlMode, error) {
	var avr, heos bool
	for _, m := range supported {
		switch m {
		case ModeAVRControl:
			avr = true
		case ModeHEOSCLI:
			heos = true
		}
	}

	switch {
	case avr && heos:
		return ModeHybrid, nil
	case heos:
		return ModeHEOSCLI, nil
	case avr:
		return ModeAVRControl, nil
	default:
		return ModeAuto, ErrNoProtocol
	}
}

// Prober checks which control protocols a receiver accepts connections on.
type Prober struct {
	// Timeout is the connect budget per port. Defaults to DefaultProbeTimeout.
	Timeout time.Duration

	// AVRPort and HEOSPort override the well-known ports.
	AVRPort  int
	HEOSPort int

	Logger Logger
}

// Probe dials every protocol port concurrently and returns the modes that
// accepted a connection, AVR Control first.
func (p Prober) Probe(ctx context.Context, host string) ([]ControlMode, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	candidates := []struct {
		mode ControlMode
		port int
	}{
		{ModeAVRControl, portOr(p.AVRPort, AVRControlPort)},
		{ModeHEOSCLI, portOr(p.HEOSPort, HEOSCLIPort)},
	}
	ok := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			addr := net.JoinHostPort(host, strconv.Itoa(cand.port))
			dialCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			var dialer net.Dialer
			c, err := dialer.DialContext(dialCtx, "tcp", addr)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Debug("protocol probe failed", "mode", cand.mode, "address", addr, "error", err)
				return nil
			}
			c.Close()
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probing %s: %w", host, err)
	}

	var supported []ControlMode
	for i, cand := range candidates {
		if ok[i] {
			supported = append(supported, cand.mode)
		}
	}
	logger.Info("protocol probe complete", "host", host, "supported", supported)
	return supported, nil
}

// Resolve probes host and returns the mode SelectControlMode picks.
func (p Prober) Resolve(ctx context.Context, host string) (ControlMode, error) {
	supported, err := p.Probe(ctx, host)
	if err != nil {
		return ModeAuto, err
	}
	mode, err := SelectControlMode(supported)
	if err != nil {
		return ModeAuto, fmt.Errorf("%s: %w", host, err)
	}
	return mode, nil
}

func portOr(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}
