package denon

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeReceiver is an in-process TCP endpoint speaking a CRLF-terminated
// command protocol. respond maps one received command to the frames written
// back; each returned frame must carry its own terminator.
type fakeReceiver struct {
	t       *testing.T
	ln      net.Listener
	respond func(cmd string) []string

	mu       sync.Mutex
	received []string
	conns    []net.Conn
	accepts  int

	wg sync.WaitGroup
}

func newFakeReceiver(t *testing.T, respond func(cmd string) []string) *fakeReceiver {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeReceiver{t: t, ln: ln, respond: respond}

	f.wg.Add(1)
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeReceiver) acceptLoop() {
	defer f.wg.Done()
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.accepts++
		f.mu.Unlock()

		f.wg.Add(1)
		go f.serve(c)
	}
}

func (f *fakeReceiver) serve(c net.Conn) {
	defer f.wg.Done()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()

		if f.respond == nil {
			continue
		}
		for _, frame := range f.respond(cmd) {
			if _, err := c.Write([]byte(frame)); err != nil {
				return
			}
		}
	}
}

// push writes frame to every open connection.
func (f *fakeReceiver) push(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Write([]byte(frame)) //nolint:errcheck // test helper
	}
}

// dropConnections closes every accepted connection but keeps listening.
func (f *fakeReceiver) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeReceiver) Close() {
	f.ln.Close()
	f.dropConnections()
	f.wg.Wait()
}

func (f *fakeReceiver) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeReceiver) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fakeReceiver) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects callback invocations.
type recorder struct {
	mu      sync.Mutex
	power   []bool
	mute    []bool
	volume  []int
	input   []string
	playing []Playing
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Power: func(on bool) {
			r.mu.Lock()
			r.power = append(r.power, on)
			r.mu.Unlock()
		},
		Mute: func(muted bool) {
			r.mu.Lock()
			r.mute = append(r.mute, muted)
			r.mu.Unlock()
		},
		Volume: func(level int) {
			r.mu.Lock()
			r.volume = append(r.volume, level)
			r.mu.Unlock()
		},
		Input: func(input string) {
			r.mu.Lock()
			r.input = append(r.input, input)
			r.mu.Unlock()
		},
		Playing: func(p Playing) {
			r.mu.Lock()
			r.playing = append(r.playing, p)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) powerCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.power...)
}

func (r *recorder) muteCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.mute...)
}

func (r *recorder) volumeCalls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.volume...)
}

func (r *recorder) inputCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.input...)
}

func (r *recorder) playingCalls() []Playing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Playing(nil), r.playing...)
}
