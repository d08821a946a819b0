// Package wstransport dials the remote host's websocket endpoint and adapts
// the connection to replica.Conn.
package wstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	// defaultReadLimit caps a single inbound frame. Data frames encode each
	// byte as up to four characters, so this allows ~1MB of output per frame.
	defaultReadLimit = 4 * 1024 * 1024
	pingTimeout      = 10 * time.Second
)

// Dialer opens websocket connections. The zero value is usable.
type Dialer struct {
	// HandshakeTimeout bounds the HTTP upgrade. Zero selects 15s.
	HandshakeTimeout time.Duration
	// InsecureSkipVerify disables TLS certificate checks, for self-signed
	// development hosts.
	InsecureSkipVerify bool
	ReadLimit          int64
}

// Dial connects to url, which already carries the handshake query.
func (d *Dialer) Dial(ctx context.Context, url string) (replica.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	client := &http.Client{Timeout: timeout}
	if d.InsecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: client,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &Conn{ws: conn}, nil
}

// Conn is a websocket connection speaking text frames.
type Conn struct {
	ws *websocket.Conn
}

// Read returns the next message. A normal or going-away closure from the
// remote side is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if isCleanClose(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, p []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, p)
}

// Ping waits for the pong. It needs a concurrent Read to make progress.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.ws.Ping(ctx)
}

func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		c.ws.CloseNow()
	}
	return err
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF)
}
