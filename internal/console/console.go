// Package console attaches the local terminal to a replicated session.
//
// While attached, keystrokes go to the remote process and output is drawn
// directly. Ctrl-] detaches and shows a small menu: Ctrl-] or Enter to
// reattach (replaying everything missed), c to connect, d to disconnect,
// q to quit. The session keeps running while detached.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"golang.org/x/term"
)

// EscapeKey is Ctrl-].
const EscapeKey = 0x1d

const connectTimeout = 30 * time.Second

// SizeFunc reports the local terminal size.
type SizeFunc func() (cols, rows int, err error)

// Console is the local viewer state machine. Input is fed through
// HandleInput; output is written to out.
type Console struct {
	sess *replica.Session
	out  *lockedWriter
	size SizeFunc

	mu  sync.Mutex
	att *replica.Attachment
}

func New(sess *replica.Session, out io.Writer, size SizeFunc) *Console {
	return &Console{sess: sess, out: &lockedWriter{w: out}, size: size}
}

// Attached reports whether the console is the session's viewer.
func (c *Console) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached()
}

func (c *Console) attached() bool {
	return c.att != nil && c.att.Active()
}

// Attach replays the session and then sizes it to the local terminal.
func (c *Console) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attach()
}

func (c *Console) attach() error {
	if c.attached() {
		return nil
	}
	a, err := c.sess.Attach(screenViewer{c.out})
	if err != nil {
		return err
	}
	c.att = a
	if cols, rows, err := c.size(); err == nil {
		a.Resize(cols, rows, 0, 0)
	}
	return nil
}

func (c *Console) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detach()
}

func (c *Console) detach() {
	if c.att == nil {
		return
	}
	c.att.Detach()
	c.att = nil
}

// Resize follows a local terminal size change.
func (c *Console) Resize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached() {
		return
	}
	cols, rows, err := c.size()
	if err != nil {
		return
	}
	c.att.Resize(cols, rows, 0, 0)
}

// HandleInput processes bytes typed locally. It reports true when the user
// asked to quit.
func (c *Console) HandleInput(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached() {
		before, escaped := splitEscape(p)
		if len(before) > 0 {
			c.att.Input(before)
		}
		if escaped {
			c.detach()
			c.banner()
		}
		return false
	}

	if c.att != nil {
		// Dropped by the session (reset or shutdown).
		c.att = nil
	}
	for _, b := range p {
		switch b {
		case EscapeKey, '\r', '\n':
			if err := c.attach(); err != nil {
				fmt.Fprintf(c.out, "\r\n[attach failed: %v]\r\n", err)
			}
			return false
		case 'c':
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
				defer cancel()
				if err := c.sess.Connect(ctx); err != nil {
					log.Printf("[console] connect: %v", err)
				}
			}()
			fmt.Fprintf(c.out, "[connecting]\r\n")
		case 'd':
			c.sess.Disconnect()
			fmt.Fprintf(c.out, "[disconnected]\r\n")
		case 'q', 0x03:
			return true
		}
	}
	return false
}

func (c *Console) banner() {
	st := c.sess.Status()
	unread := ""
	if st.Unread {
		unread = ", unread output"
	}
	fmt.Fprintf(c.out, "\x1b[0m\r\n[detached: %s%s] Ctrl-] reattach, c connect, d disconnect, q quit\r\n", st.State, unread)
}

// splitEscape returns the bytes before the first escape key and whether
// one was found.
func splitEscape(p []byte) ([]byte, bool) {
	for i, b := range p {
		if b == EscapeKey {
			return p[:i], true
		}
	}
	return p, false
}

// screenViewer draws session output on the local terminal. The local
// terminal cannot be resized from here; the session follows it instead.
type screenViewer struct {
	w io.Writer
}

func (v screenViewer) Write(p []byte) (int, error) { return v.w.Write(p) }
func (v screenViewer) Resize(cols, rows int)       {}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Run puts in into raw mode and runs the console until the user quits or
// ctx ends.
func Run(ctx context.Context, sess *replica.Session, in, out *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("console requires a terminal on stdin")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	outFd := int(out.Fd())
	c := New(sess, out, func() (int, int, error) { return term.GetSize(outFd) })
	if err := c.Attach(); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer func() {
		c.Detach()
		fmt.Fprint(out, "\x1b[0m\r\n")
	}()

	stopResize := watchResize(c.Resize)
	defer stopResize()

	input := make(chan []byte)
	go func() {
		defer close(input)
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				p := append([]byte(nil), buf[:n]...)
				select {
				case input <- p:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-input:
			if !ok {
				return nil
			}
			if c.HandleInput(p) {
				return nil
			}
		}
	}
}
