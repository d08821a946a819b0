package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/ptyreplica/internal/logutil"
	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"github.com/gluk-w/claworc/ptyreplica/internal/termlimits"
)

const (
	// maxViewerBacklog is the most output queued for a viewer that is not
	// reading. Past it the viewer is detached.
	maxViewerBacklog = 8 * 1024 * 1024
	// coalesceLimit caps a single binary message built from queued output.
	coalesceLimit      = 64 * 1024
	viewerWriteTimeout = 10 * time.Second
)

var (
	errViewerClosed  = errors.New("viewer closed")
	errViewerBacklog = errors.New("viewer backlog full")
)

// viewerMsg is a control or resize message from a websocket viewer.
type viewerMsg struct {
	Type        string `json:"type"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	PixelWidth  int    `json:"pixel_width"`
	PixelHeight int    `json:"pixel_height"`
}

type wsMessage struct {
	typ  websocket.MessageType
	data []byte
}

// wsViewer is a replica.Viewer that queues output for a websocket. Write
// and Resize are called from the session loop and never block on the
// network; pump drains the queue.
type wsViewer struct {
	mu     sync.Mutex
	queue  []wsMessage
	queued int
	closed bool
	wake   chan struct{}

	detached   chan struct{}
	detachOnce sync.Once
}

func newWSViewer() *wsViewer {
	return &wsViewer{
		wake:     make(chan struct{}, 1),
		detached: make(chan struct{}),
	}
}

func (v *wsViewer) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, errViewerClosed
	}
	if v.queued+len(p) > maxViewerBacklog {
		return 0, errViewerBacklog
	}
	if n := len(v.queue); n > 0 {
		last := &v.queue[n-1]
		if last.typ == websocket.MessageBinary && len(last.data)+len(p) <= coalesceLimit {
			last.data = append(last.data, p...)
			v.queued += len(p)
			v.signal()
			return len(p), nil
		}
	}
	v.queue = append(v.queue, wsMessage{typ: websocket.MessageBinary, data: append([]byte(nil), p...)})
	v.queued += len(p)
	v.signal()
	return len(p), nil
}

// Resize tells the browser terminal to match the canonical size.
func (v *wsViewer) Resize(cols, rows int) {
	msg, _ := json.Marshal(map[string]interface{}{
		"type": "resize",
		"cols": cols,
		"rows": rows,
	})
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.queue = append(v.queue, wsMessage{typ: websocket.MessageText, data: msg})
	v.signal()
}

func (v *wsViewer) Detached() {
	v.detachOnce.Do(func() { close(v.detached) })
}

func (v *wsViewer) signal() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *wsViewer) take() []wsMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	msgs := v.queue
	v.queue = nil
	v.queued = 0
	return msgs
}

func (v *wsViewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.queue = nil
}

// pump writes queued messages until ctx ends or a write fails.
func (v *wsViewer) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		for _, m := range v.take() {
			wctx, cancel := context.WithTimeout(ctx, viewerWriteTimeout)
			err := conn.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				return err
			}
		}
		select {
		case <-v.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SessionViewerWS attaches a browser terminal to the session.
//
// Query parameters:
//   - connect: "true" to connect the session if it is not already.
//
// The session's history is replayed first, then live output follows as
// binary messages. Only one viewer may be attached; a second one is closed
// with 4409.
func SessionViewerWS(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] failed to accept viewer websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	remote := logutil.SanitizeForLog(r.RemoteAddr)

	st := Replica.Status()
	info, _ := json.Marshal(map[string]interface{}{
		"type":       "session_info",
		"session_id": st.ID,
		"state":      st.State,
		"ended":      st.Ended,
		"unread":     st.Unread,
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}

	v := newWSViewer()
	a, err := Replica.Attach(v)
	if err != nil {
		if errors.Is(err, replica.ErrAlreadyAttached) {
			conn.Close(4409, "Session already attached")
			return
		}
		log.Printf("[gateway] viewer %s attach failed: %v", remote, err)
		conn.Close(4500, "Failed to attach")
		return
	}
	log.Printf("[gateway] viewer %s attached as %s", remote, a.ID())
	defer func() {
		v.close()
		a.Detach()
		log.Printf("[gateway] viewer %s detached", a.ID())
	}()

	conn.SetReadLimit(1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Session -> browser
	go func() {
		defer relayCancel()
		if err := v.pump(relayCtx, conn); err != nil && relayCtx.Err() == nil {
			log.Printf("[gateway] viewer %s write failed: %v", a.ID(), err)
		}
	}()

	// Dropped by the session (reset, shutdown, backlog).
	go func() {
		select {
		case <-v.detached:
			conn.Close(websocket.StatusGoingAway, "Viewer detached")
		case <-relayCtx.Done():
		}
	}()

	if r.URL.Query().Get("connect") == "true" {
		go func() {
			if err := Replica.Connect(relayCtx); err != nil && relayCtx.Err() == nil {
				log.Printf("[gateway] connect on attach failed: %v", err)
			}
		}()
	}

	limiter := termlimits.NewRateLimiter(termlimits.MessageRateLimit, termlimits.MessageRateBurst)

	// Browser -> session
	func() {
		defer relayCancel()
		for {
			msgType, data, err := conn.Read(relayCtx)
			if err != nil {
				return
			}
			if !limiter.Allow() {
				continue
			}

			if msgType == websocket.MessageBinary {
				if len(data) > termlimits.MaxInputMessageSize {
					log.Printf("[gateway] viewer input too large: viewer=%s size=%d limit=%d", a.ID(), len(data), termlimits.MaxInputMessageSize)
					continue
				}
				a.Input(data)
				continue
			}

			var msg viewerMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type != "resize" {
				continue
			}
			cols, rows, ok := termlimits.ClampSize(msg.Cols, msg.Rows)
			if !ok {
				continue
			}
			a.Resize(cols, rows, msg.PixelWidth, msg.PixelHeight)
		}
	}()

	conn.Close(websocket.StatusNormalClosure, "")
}
