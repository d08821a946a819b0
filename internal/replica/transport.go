package replica

import (
	"context"
	"io"
)

// Conn is an open message-oriented connection to the remote host. Read and
// Write may be called concurrently with each other; Close may be called at
// any time and more than once.
type Conn interface {
	// Read returns the next message. A clean close by the remote end is
	// reported as io.EOF.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	// Ping checks liveness; it is also the keepalive signal.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections. The URL already carries the handshake query.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TokenSource supplies the bearer token for the handshake. It is consulted
// on every dial.
type TokenSource interface {
	Token() (string, error)
}

// Viewer is a rendering surface attached to the session.
type Viewer interface {
	io.Writer
	Resize(cols, rows int)
}

// Recorder receives a copy of terminal traffic.
type Recorder interface {
	RecordOutput(p []byte)
	RecordInput(p []byte)
}

// DetachNotifier is implemented by viewers that want to know when the
// session drops them on its own: after a failed write, on Reset, or on
// Close. It runs on the event loop and must not block.
type DetachNotifier interface {
	Detached()
}
