package denon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// readBufferSize is the size of the per-connection read buffer.
const readBufferSize = 4096

// connParams describes one protocol endpoint. It is immutable per client.
type connParams struct {
	host              string
	port              int
	connectTimeout    time.Duration
	responseTimeout   time.Duration
	commandPrefix     string
	commandSeparator  string
	responseSeparator string

	// routeMatchedToGeneric forwards frames that resolved a pending request
	// to the unsolicited handler as well.
	routeMatchedToGeneric bool
}

func (p connParams) address() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// request is one logical command/response exchange.
type request struct {
	command     string
	key         string
	expected    *regexp.Regexp
	passPayload bool
	race        *RaceStatus
}

type reply struct {
	value string
	err   error
}

// pendingRequest is the single in-flight correlation record of a conn.
type pendingRequest struct {
	request
	done chan reply
}

// conn is a lazily (re)connected TCP connection to one receiver endpoint.
//
// sendMu is held for a full round trip (connect, write, await reply), so at
// most one command is on the wire at any time. mu guards the socket handle and
// the pending slot; the read goroutine resolves the pending request under mu.
// bufMu keeps append+split of incoming bytes atomic.
type conn struct {
	params connParams
	logger Logger

	// route handles one complete frame. Set by the owning adapter.
	route func(frame string) error

	// handshake runs after the socket opens and before the connection is
	// considered usable. It is called with sendMu held and must use
	// roundTripLocked.
	handshake func(ctx context.Context) error

	sendMu sync.Mutex

	mu        sync.Mutex
	netConn   net.Conn
	connected bool
	closed    bool
	pending   *pendingRequest

	bufMu  sync.Mutex
	buffer string

	wg    sync.WaitGroup
	stats connStats
}

type connStats struct {
	commandsSent     atomic.Uint64
	framesReceived   atomic.Uint64
	eventsDispatched atomic.Uint64
	errors           atomic.Uint64
	connects         atomic.Uint64
	lastActivity     atomic.Int64
}

// Stats holds connection statistics for one control protocol.
type Stats struct {
	Connected        bool      `json:"connected"`
	CommandsSent     uint64    `json:"commands_sent"`
	FramesReceived   uint64    `json:"frames_received"`
	EventsDispatched uint64    `json:"events_dispatched"`
	Errors           uint64    `json:"errors"`
	Connects         uint64    `json:"connects"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
}

func newConn(params connParams, logger Logger) *conn {
	if logger == nil {
		logger = nopLogger{}
	}
	return &conn{params: params, logger: logger}
}

// isConnected reports whether the socket is open and the handshake succeeded.
func (c *conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// connect opens the connection if it is not already open.
func (c *conn) connect(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

// send performs one serialised round trip, reconnecting first if needed.
func (c *conn) send(ctx context.Context, req request) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return "", err
	}
	return c.roundTripLocked(ctx, req)
}

func (c *conn) ensureConnectedLocked(ctx context.Context) error {
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if connected {
		return nil
	}
	return c.connectLocked(ctx)
}

// connectLocked dials the receiver, starts the read loop and runs the
// handshake. Caller must hold sendMu.
func (c *conn) connectLocked(ctx context.Context) error {
	addr := c.params.address()

	dialCtx, cancel := context.WithTimeout(ctx, c.params.connectTimeout)
	defer cancel()

	var dialer net.Dialer
	nc, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.stats.errors.Add(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connecting to %s: %w", addr, ctxErr)
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: connection to %s timed out after %dms",
				ErrConnectionTimeout, addr, c.params.connectTimeout.Milliseconds())
		}
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return ErrClientClosed
	}
	c.netConn = nc
	c.pending = nil
	c.wg.Add(1)
	c.mu.Unlock()

	c.bufMu.Lock()
	c.buffer = ""
	c.bufMu.Unlock()

	go c.readLoop(nc)
	c.stats.connects.Add(1)
	c.touch()

	if c.handshake != nil {
		if err := c.handshake(ctx); err != nil {
			c.stats.errors.Add(1)
			c.teardown(nc, err)
			return err
		}
	}

	c.mu.Lock()
	ready := c.netConn == nc
	c.connected = ready
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("%w: connection to %s lost during handshake", ErrNotConnected, addr)
	}

	c.logger.Info("connected to receiver", "address", addr)
	return nil
}

// roundTripLocked writes req and waits for the router to resolve it or for the
// response timeout. Caller must hold sendMu.
func (c *conn) roundTripLocked(ctx context.Context, req request) (string, error) {
	wire := c.params.commandPrefix + req.command
	p := &pendingRequest{request: req, done: make(chan reply, 1)}

	c.mu.Lock()
	nc := c.netConn
	if nc == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.pending = p
	c.mu.Unlock()

	c.logger.Debug("sending command", withRace(req.race, "address", c.params.address(), "command", wire)...)

	if err := c.write(nc, wire+c.params.commandSeparator); err != nil {
		c.abandon(p)
		c.stats.errors.Add(1)
		c.teardown(nc, err)
		return "", fmt.Errorf("writing command %q: %w", wire, err)
	}
	c.stats.commandsSent.Add(1)

	timer := time.NewTimer(c.params.responseTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-timer.C:
		if r, ok := c.abandon(p); ok {
			return r.value, r.err
		}
		c.stats.errors.Add(1)
		return "", fmt.Errorf("%w: response for command '%s' timed out after %dms",
			ErrResponseTimeout, wire, c.params.responseTimeout.Milliseconds())
	case <-ctx.Done():
		if r, ok := c.abandon(p); ok {
			return r.value, r.err
		}
		return "", ctx.Err()
	}
}

func (c *conn) write(nc net.Conn, data string) error {
	//nolint:errcheck // Best-effort deadline; write error caught below
	nc.SetWriteDeadline(time.Now().Add(c.params.responseTimeout))
	_, err := io.WriteString(nc, data)
	return err
}

// abandon clears p from the pending slot. If the router resolved p in the
// meantime, that reply is returned with ok=true.
func (c *conn) abandon(p *pendingRequest) (reply, bool) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()

	select {
	case r := <-p.done:
		return r, true
	default:
		return reply{}, false
	}
}

// matchPending offers the pending request to match. If match claims the frame,
// the pending slot is cleared and the request is resolved with its reply.
// match runs under mu and must not call back into conn.
func (c *conn) matchPending(match func(req *request) (reply, bool)) bool {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return false
	}
	r, ok := match(&p.request)
	if ok {
		c.pending = nil
	}
	c.mu.Unlock()

	if ok {
		p.done <- r
	}
	return ok
}

// readLoop reads from nc until it fails, routing complete frames.
func (c *conn) readLoop(nc net.Conn) {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			c.handleData(buf[:n])
		}
		if err != nil {
			c.teardown(nc, err)
			return
		}
	}
}

func (c *conn) handleData(chunk []byte) {
	c.touch()

	c.bufMu.Lock()
	frames, rest := splitFrames(c.buffer, string(chunk), c.params.responseSeparator)
	c.buffer = rest
	c.bufMu.Unlock()

	for _, frame := range frames {
		c.stats.framesReceived.Add(1)
		c.dispatch(frame)
	}
}

// dispatch routes one frame, containing any panic from the router or from
// subscriber callbacks.
func (c *conn) dispatch(frame string) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.errors.Add(1)
			c.logger.Error("panic routing receiver frame",
				"address", c.params.address(),
				"panic", r,
				"frame", frame,
			)
		}
	}()

	c.logger.Debug("received frame", "address", c.params.address(), "frame", frame)
	if c.route == nil {
		return
	}
	if err := c.route(frame); err != nil {
		c.stats.errors.Add(1)
		c.logger.Error("unhandled receiver frame",
			"address", c.params.address(),
			"frame", frame,
			"error", err,
		)
	}
}

// teardown marks nc disconnected and closes it. The pending request, if any,
// is left to time out on its own.
func (c *conn) teardown(nc net.Conn, cause error) {
	c.mu.Lock()
	current := c.netConn == nc
	if current {
		c.netConn = nil
		c.connected = false
	}
	closed := c.closed
	c.mu.Unlock()

	nc.Close()

	if !current || closed {
		return
	}
	if errors.Is(cause, io.EOF) {
		c.logger.Info("receiver closed connection", "address", c.params.address())
		return
	}
	c.logger.Warn("receiver connection lost", "address", c.params.address(), "error", cause)
}

// close shuts the connection down permanently. A waiting request is failed
// with ErrClientClosed.
func (c *conn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.netConn
	c.netConn = nil
	c.connected = false
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		p.done <- reply{err: ErrClientClosed}
	}

	var err error
	if nc != nil {
		err = nc.Close()
	}
	c.wg.Wait()
	return err
}

func (c *conn) touch() {
	c.stats.lastActivity.Store(time.Now().UnixNano())
}

func (c *conn) snapshot() Stats {
	s := Stats{
		Connected:        c.isConnected(),
		CommandsSent:     c.stats.commandsSent.Load(),
		FramesReceived:   c.stats.framesReceived.Load(),
		EventsDispatched: c.stats.eventsDispatched.Load(),
		Errors:           c.stats.errors.Load(),
		Connects:         c.stats.connects.Load(),
	}
	if ns := c.stats.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
