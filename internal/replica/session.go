package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gluk-w/claworc/ptyreplica/internal/ledger"
	"github.com/gluk-w/claworc/ptyreplica/internal/logutil"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
	"github.com/google/uuid"
)

var (
	ErrAlreadyAttached = errors.New("another viewer is already attached")
	ErrClosed          = errors.New("session closed")
	ErrDisconnected    = errors.New("session disconnected")
)

const (
	// outboundQueueSize bounds frames waiting for the connection writer.
	outboundQueueSize = 1024
	// exitMarkerFormat is written to the ledger when the remote process ends.
	exitMarkerFormat = "\r\n[Process exited with code %s]\r\n"
	lostMarker       = "\r\n[Connection lost]\r\n"
	closedMarker     = "\r\n[Connection closed]\r\n"
)

// Config holds the parameters of a Session.
type Config struct {
	// ServerURL is the websocket endpoint of the remote host, without the
	// handshake query.
	ServerURL string
	Shell     string
	// Cols and Rows are the initial canonical size.
	Cols, Rows int
	// Retention bounds ledger bytes; zero selects ledger.DefaultRetention.
	Retention int
	// KeepAliveOnNavigation makes ShouldBlockNavigation veto leaving while
	// connected.
	KeepAliveOnNavigation bool
	// Recorder, when set, receives output and forwarded input.
	Recorder Recorder
}

// Status is a point-in-time view of a Session.
type Status struct {
	ID          string          `json:"id"`
	State       ConnectionState `json:"state"`
	Unread      bool            `json:"unread"`
	Ended       bool            `json:"ended"`
	ExitMessage string          `json:"exit_message,omitempty"`
	KeepAlive   bool            `json:"keep_alive"`
	Attached    bool            `json:"attached"`
	ViewerID    string          `json:"viewer_id,omitempty"`
	Cols        int             `json:"cols"`
	Rows        int             `json:"rows"`
	LastError   string          `json:"last_error,omitempty"`
	Ledger      ledger.Stats    `json:"ledger"`
}

// Session is the single owner of a remote shell session. See the package
// documentation for the concurrency model.
type Session struct {
	cfg    Config
	dialer Dialer
	tokens TokenSource

	cmds      chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	tracker *stateTracker

	// Owned by the event loop.
	id          string
	ledger      *ledger.Ledger
	gen         uint64
	conn        Conn
	connCancel  context.CancelFunc
	dialCancel  context.CancelFunc
	out         chan []byte
	dialWaiters []chan error
	viewer      *Attachment
	unread      bool
	ended       bool
	exitMsg     string
	keepAlive   bool
	pixels      ptyproto.Size
	lastErr     string
}

// NewSession creates a Session in the Disconnected state and starts its
// event loop. Call Close to stop it.
func NewSession(cfg Config, dialer Dialer, tokens TokenSource) *Session {
	if cfg.Shell == "" {
		cfg.Shell = ptyproto.DefaultShell
	}
	if cfg.Cols < 1 {
		cfg.Cols = 80
	}
	if cfg.Rows < 1 {
		cfg.Rows = 24
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		dialer:     dialer,
		tokens:     tokens,
		cmds:       make(chan func()),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		tracker:    newStateTracker(),
		id:         uuid.New().String(),
		ledger:     ledger.New(cfg.Cols, cfg.Rows, cfg.Retention),
		keepAlive:  cfg.KeepAliveOnNavigation,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.stop:
			s.shutdown()
			return
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.stop:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn on the event loop without waiting. It reports false if
// the session is shutting down.
func (s *Session) post(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// Close disconnects and stops the event loop. It is safe to call more than
// once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) shutdown() {
	s.teardown()
	s.failWaiters(ErrClosed)
	s.dropViewer()
	s.tracker.set(StateDisconnected, "session closed")
	s.lifeCancel()
	log.Printf("[replica] session %s closed", s.id)
}

// Connect establishes the transport. If a dial is already in flight it
// waits for that dial instead of starting another; if already connected it
// sends a keepalive ping and returns immediately.
func (s *Session) Connect(ctx context.Context) error {
	var wait chan error
	err := s.do(func() {
		switch s.tracker.get() {
		case StateConnected:
			s.ping()
		case StateConnecting:
			wait = make(chan error, 1)
			s.dialWaiters = append(s.dialWaiters, wait)
		default:
			wait = make(chan error, 1)
			s.dialWaiters = append(s.dialWaiters, wait)
			s.startDial()
		}
	})
	if err != nil {
		return err
	}
	if wait == nil {
		return nil
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping sends a keepalive if connected and does nothing otherwise. It never
// dials.
func (s *Session) Ping() {
	s.do(func() {
		if s.tracker.get() == StateConnected {
			s.ping()
		}
	})
}

func (s *Session) ping() {
	conn, ctx, id := s.conn, s.lifeCtx, s.id
	go func() {
		if err := conn.Ping(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[replica] session %s: keepalive failed: %v", id, err)
		}
	}()
}

func (s *Session) startDial() {
	s.gen++
	gen := s.gen
	s.lastErr = ""
	s.tracker.set(StateConnecting, "connect requested")

	ctx, cancel := context.WithCancel(s.lifeCtx)
	s.dialCancel = cancel
	cols, rows := s.ledger.Size()
	size := ptyproto.NewSize(cols, rows, int(s.pixels.PixelWidth), int(s.pixels.PixelHeight))

	go func() {
		conn, err := s.dial(ctx, size)
		cancel()
		if !s.post(func() { s.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) dial(ctx context.Context, size ptyproto.Size) (Conn, error) {
	token, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	url, err := ptyproto.HandshakeURL(s.cfg.ServerURL, ptyproto.Handshake{
		Shell: s.cfg.Shell,
		Size:  size,
		Token: token,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[replica] dialing %s", ptyproto.RedactToken(url))
	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (s *Session) onDialed(gen uint64, conn Conn, err error) {
	if gen != s.gen {
		// Disconnect or Reset happened while dialing.
		if conn != nil {
			go conn.Close()
		}
		return
	}
	s.dialCancel = nil
	if err != nil {
		s.lastErr = err.Error()
		log.Printf("[replica] session %s: connect failed: %v", s.id, err)
		s.tracker.set(StateDisconnected, err.Error())
		s.failWaiters(err)
		return
	}

	ctx, cancel := context.WithCancel(s.lifeCtx)
	s.conn = conn
	s.connCancel = cancel
	s.out = make(chan []byte, outboundQueueSize)
	s.ended = false
	s.exitMsg = ""
	go s.readLoop(ctx, gen, conn)
	go s.writeLoop(ctx, gen, conn, s.out)

	log.Printf("[replica] session %s connected", s.id)
	s.tracker.set(StateConnected, "handshake complete")
	s.failWaiters(nil)
}

func (s *Session) failWaiters(err error) {
	for _, w := range s.dialWaiters {
		w <- err
	}
	s.dialWaiters = nil
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			s.post(func() { s.onTransportClosed(gen, err) })
			return
		}
		if !s.post(func() { s.onMessage(gen, msg) }) {
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, gen uint64, conn Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-out:
			if err := conn.Write(ctx, b); err != nil {
				if ctx.Err() == nil {
					s.post(func() { s.onTransportClosed(gen, err) })
				}
				return
			}
		}
	}
}

// send queues an encoded frame for the writer. Callers have checked that
// the session is connected.
func (s *Session) send(f ptyproto.ClientFrame) {
	b, err := f.MarshalJSON()
	if err != nil {
		log.Printf("[replica] session %s: encode %s frame: %v", s.id, f.Type, err)
		return
	}
	select {
	case s.out <- b:
	default:
		s.onTransportClosed(s.gen, errors.New("outbound queue full"))
	}
}

func (s *Session) onMessage(gen uint64, msg []byte) {
	if gen != s.gen || s.conn == nil {
		return
	}
	f, err := ptyproto.DecodeServer(msg)
	if err != nil {
		log.Printf("[replica] session %s: dropping frame: %v: %s", s.id, err,
			logutil.SanitizeForLog(logutil.Truncate(string(msg), 120)))
		return
	}
	switch f.Type {
	case ptyproto.TypeData:
		s.deliver(f.Data, true)
	case ptyproto.TypeExit:
		s.onExit(f.Msg)
	}
}

// deliver records output and tees it to the attached viewer. Only remote
// data marks the session unread; locally generated markers do not.
func (s *Session) deliver(p []byte, remote bool) {
	if len(p) == 0 {
		return
	}
	s.ledger.Append(p)
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordOutput(p)
	}
	if s.viewer != nil {
		if _, err := s.viewer.v.Write(p); err != nil {
			log.Printf("[replica] session %s: viewer %s write failed, detaching: %v", s.id, s.viewer.id, err)
			s.dropViewer()
		}
		return
	}
	if remote {
		s.unread = true
	}
}

// dropViewer detaches the current viewer without its consent.
func (s *Session) dropViewer() {
	if s.viewer == nil {
		return
	}
	if n, ok := s.viewer.v.(DetachNotifier); ok {
		n.Detached()
	}
	s.viewer = nil
}

func (s *Session) onExit(msg string) {
	if s.ended {
		return
	}
	s.ended = true
	s.exitMsg = msg
	log.Printf("[replica] session %s: remote process exited with code %s", s.id, logutil.SanitizeForLog(msg))
	s.deliver([]byte(fmt.Sprintf(exitMarkerFormat, msg)), false)
}

func (s *Session) onTransportClosed(gen uint64, err error) {
	if gen != s.gen || s.conn == nil {
		return
	}
	s.teardown()
	reason := "remote closed"
	marker := closedMarker
	if !errors.Is(err, io.EOF) {
		reason = err.Error()
		marker = lostMarker
		s.lastErr = reason
	}
	log.Printf("[replica] session %s: transport closed: %s", s.id, reason)
	s.tracker.set(StateDisconnected, reason)
	if !s.ended {
		s.deliver([]byte(marker), false)
	}
}

// teardown drops the current connection or dial, if any, and bumps the
// generation so their late results are ignored.
func (s *Session) teardown() {
	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		conn, cancel := s.conn, s.connCancel
		go func() {
			conn.Close()
			cancel()
		}()
		s.conn = nil
		s.connCancel = nil
		s.out = nil
	}
}

// Disconnect closes the transport. It is safe in any state and never
// blocks on the network. The ledger is kept.
func (s *Session) Disconnect() {
	s.do(func() {
		if s.tracker.get() == StateDisconnected {
			return
		}
		s.teardown()
		s.failWaiters(ErrDisconnected)
		log.Printf("[replica] session %s disconnected", s.id)
		s.tracker.set(StateDisconnected, "disconnect requested")
	})
}

// Reset tears down the logical session: it disconnects, detaches the
// viewer, clears the ledger and flags, and assigns a new session ID.
func (s *Session) Reset() {
	s.do(func() {
		s.teardown()
		s.failWaiters(ErrDisconnected)
		s.tracker.set(StateDisconnected, "session reset")
		old := s.id
		s.id = uuid.New().String()
		s.dropViewer()
		s.unread = false
		s.ended = false
		s.exitMsg = ""
		s.lastErr = ""
		s.pixels = ptyproto.Size{}
		s.ledger.Reset(s.cfg.Cols, s.cfg.Rows)
		log.Printf("[replica] session %s reset, new session %s", old, s.id)
	})
}

// MarkRead clears the unread flag without attaching a viewer.
func (s *Session) MarkRead() {
	s.do(func() { s.unread = false })
}

// SetKeepAlive sets whether navigation away is vetoed while connected.
func (s *Session) SetKeepAlive(on bool) {
	s.do(func() { s.keepAlive = on })
}

// ShouldBlockNavigation reports whether leaving now would kill a live
// session the user asked to keep.
func (s *Session) ShouldBlockNavigation() bool {
	var block bool
	s.do(func() {
		block = s.keepAlive && s.tracker.get() == StateConnected
	})
	return block
}

func (s *Session) State() ConnectionState {
	return s.tracker.get()
}

func (s *Session) Transitions() []StateTransition {
	return s.tracker.history()
}

// OnStateChange registers cb for every connection state change.
func (s *Session) OnStateChange(cb StateChangeCallback) {
	s.tracker.onChange(cb)
}

func (s *Session) Unread() bool {
	var unread bool
	s.do(func() { unread = s.unread })
	return unread
}

func (s *Session) ID() string {
	var id string
	s.do(func() { id = s.id })
	return id
}

func (s *Session) Status() Status {
	var st Status
	err := s.do(func() {
		cols, rows := s.ledger.Size()
		st = Status{
			ID:          s.id,
			State:       s.tracker.get(),
			Unread:      s.unread,
			Ended:       s.ended,
			ExitMessage: s.exitMsg,
			KeepAlive:   s.keepAlive,
			Attached:    s.viewer != nil,
			Cols:        cols,
			Rows:        rows,
			LastError:   s.lastErr,
			Ledger:      s.ledger.Stats(),
		}
		if s.viewer != nil {
			st.ViewerID = s.viewer.id
		}
	})
	if err != nil {
		st.State = StateDisconnected
	}
	return st
}

// Screen returns the canonical screen text.
func (s *Session) Screen() string {
	var text string
	s.do(func() { text = s.ledger.Text() })
	return text
}

// ScreenState describes the canonical screen.
type ScreenState struct {
	Text    string `json:"text"`
	Title   string `json:"title"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	CursorX int    `json:"cursor_x"`
	CursorY int    `json:"cursor_y"`
	Seq     uint64 `json:"seq"`
}

func (s *Session) ScreenState() ScreenState {
	var st ScreenState
	s.do(func() {
		st.Text = s.ledger.Text()
		st.Title = s.ledger.Title()
		st.Cols, st.Rows = s.ledger.Size()
		st.CursorX, st.CursorY = s.ledger.Cursor()
		st.Seq = s.ledger.Seq()
	})
	return st
}

// Snapshot returns a replayable copy of the ledger.
func (s *Session) Snapshot() *ledger.Snapshot {
	var snap *ledger.Snapshot
	s.do(func() { snap = s.ledger.Snapshot() })
	return snap
}
