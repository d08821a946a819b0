package console

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixedSize struct {
	mu         sync.Mutex
	cols, rows int
}

func (f *fixedSize) get() (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows, nil
}

func (f *fixedSize) set(cols, rows int) {
	f.mu.Lock()
	f.cols, f.rows = cols, rows
	f.mu.Unlock()
}

func newTestConsole(t *testing.T) (*Console, *replica.Session, *syncBuffer, *fixedSize) {
	t.Helper()
	sess := replica.NewSession(replica.Config{ServerURL: "ws://127.0.0.1:1/unused"}, nil, nil)
	t.Cleanup(sess.Close)
	out := &syncBuffer{}
	size := &fixedSize{cols: 100, rows: 30}
	return New(sess, out, size.get), sess, out, size
}

func TestSplitEscape(t *testing.T) {
	tests := []struct {
		in      string
		before  string
		escaped bool
	}{
		{"ls\r", "ls\r", false},
		{"ls\x1d", "ls", true},
		{"\x1dls", "", true},
		{"a\x1db\x1d", "a", true},
		{"", "", false},
	}
	for _, tt := range tests {
		before, escaped := splitEscape([]byte(tt.in))
		if string(before) != tt.before || escaped != tt.escaped {
			t.Errorf("splitEscape(%q) = %q, %v; want %q, %v", tt.in, before, escaped, tt.before, tt.escaped)
		}
	}
}

func TestAttachFollowsLocalSize(t *testing.T) {
	c, sess, _, _ := newTestConsole(t)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	st := sess.Status()
	if !st.Attached {
		t.Fatal("expected session to report an attached viewer")
	}
	if st.Cols != 100 || st.Rows != 30 {
		t.Errorf("expected canonical size 100x30, got %dx%d", st.Cols, st.Rows)
	}
}

func TestAttachConflictLeavesSessionAlone(t *testing.T) {
	c, sess, _, _ := newTestConsole(t)
	other := &syncBuffer{}
	a, err := sess.Attach(screenViewer{other})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer a.Detach()

	if err := c.Attach(); !errors.Is(err, replica.ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
	if st := sess.Status(); st.Cols != 80 || st.Rows != 24 {
		t.Errorf("failed attach resized the session to %dx%d", st.Cols, st.Rows)
	}
	if c.Attached() {
		t.Error("console should not report attached")
	}
}

func TestEscapeTogglesAttachment(t *testing.T) {
	c, sess, out, _ := newTestConsole(t)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if quit := c.HandleInput([]byte("ls\x1d")); quit {
		t.Fatal("escape should not quit")
	}
	if c.Attached() || sess.Status().Attached {
		t.Fatal("expected console to be detached after escape")
	}
	if !strings.Contains(out.String(), "[detached: disconnected]") {
		t.Errorf("expected detach banner, got %q", out.String())
	}

	if quit := c.HandleInput([]byte("\r")); quit {
		t.Fatal("enter should not quit")
	}
	if !c.Attached() {
		t.Fatal("expected enter to reattach")
	}

	c.HandleInput([]byte{EscapeKey})
	if c.Attached() {
		t.Fatal("expected second escape to detach")
	}
	if quit := c.HandleInput([]byte("x")); quit {
		t.Error("unbound key should not quit")
	}
	if quit := c.HandleInput([]byte("q")); !quit {
		t.Error("expected q to quit while detached")
	}
}

func TestQuitIgnoredWhileAttached(t *testing.T) {
	c, _, _, _ := newTestConsole(t)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if quit := c.HandleInput([]byte("q")); quit {
		t.Error("q is ordinary input while attached")
	}
	if !c.Attached() {
		t.Error("expected console to stay attached")
	}
}

func TestResizeFollowsTerminal(t *testing.T) {
	c, sess, _, size := newTestConsole(t)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	size.set(120, 40)
	c.Resize()
	if st := sess.Status(); st.Cols != 120 || st.Rows != 40 {
		t.Errorf("expected 120x40 after resize, got %dx%d", st.Cols, st.Rows)
	}

	c.Detach()
	size.set(90, 20)
	c.Resize()
	if st := sess.Status(); st.Cols != 120 {
		t.Errorf("detached console should not resize the session, got %d cols", st.Cols)
	}
}

func TestSessionResetDropsConsole(t *testing.T) {
	c, sess, _, _ := newTestConsole(t)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess.Reset()
	if c.Attached() {
		t.Fatal("expected reset to drop the console")
	}
	if quit := c.HandleInput([]byte("q")); !quit {
		t.Error("expected q to quit after the session dropped the console")
	}
}
