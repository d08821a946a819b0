package replica

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
)

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

type failingToken struct{}

func (failingToken) Token() (string, error) { return "", errors.New("keychain locked") }

// fakeConn is an in-memory Conn. Tests push server frames with serve and
// end the connection with hangup.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
	written [][]byte
	pings   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.readErr
		}
		return m, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, p []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) serve(t *testing.T, f ptyproto.ServerFrame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.in <- b
}

func (c *fakeConn) serveData(t *testing.T, s string) {
	t.Helper()
	c.serve(t, ptyproto.ServerFrame{Type: ptyproto.TypeData, Data: []byte(s)})
}

// hangup makes the next Read after queued frames fail with err.
func (c *fakeConn) hangup(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(c.in)
}

func (c *fakeConn) frames() []ptyproto.ClientFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ptyproto.ClientFrame
	for _, b := range c.written {
		f, err := ptyproto.DecodeClient(b)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) writtenRaw() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, b := range c.written {
		out[i] = string(b)
	}
	return out
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

type fakeDialer struct {
	mu    sync.Mutex
	gate  chan struct{}
	err   error
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) conn(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatal("no connection dialed")
	}
	return d.conns[len(d.conns)-1]
}

// brokenViewer fails every write.
type brokenViewer struct{}

func (brokenViewer) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (brokenViewer) Resize(cols, rows int)       {}

type memRecorder struct {
	mu     sync.Mutex
	output []byte
	input  []byte
}

func (r *memRecorder) RecordOutput(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, p...)
}

func (r *memRecorder) RecordInput(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = append(r.input, p...)
}

func (r *memRecorder) snapshot() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.output), string(r.input)
}

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

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeDialer) {
	t.Helper()
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://router.test/api/ws/pty/sessions"
	}
	d := &fakeDialer{}
	s := NewSession(cfg, d, staticToken("secret"))
	t.Cleanup(s.Close)
	return s, d
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}
