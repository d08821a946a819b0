package ptyhost

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/creack/pty"
	"github.com/gluk-w/claworc/ptyreplica/internal/logutil"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
	"github.com/gluk-w/claworc/ptyreplica/internal/termlimits"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// SessionsPath is where the session websocket is served.
const SessionsPath = "/api/ws/pty/sessions"

const (
	// outputDrainTimeout bounds how long the exit frame waits for trailing
	// output after the shell exits.
	outputDrainTimeout = 2 * time.Second
	readBufferSize     = 32 * 1024
)

// Config configures a Server.
type Config struct {
	// Token is required in the handshake query. Empty disables the check.
	Token string
	// Shells is the allow-list of shell names or paths.
	Shells []string
	// DefaultSize applies when the handshake omits the size.
	DefaultSize ptyproto.Size
	// Env is appended to the host environment of every shell.
	Env []string
}

type Server struct {
	cfg    Config
	active atomic.Int32
}

func New(cfg Config) *Server {
	if cfg.DefaultSize.Cols == 0 || cfg.DefaultSize.Rows == 0 {
		cfg.DefaultSize = ptyproto.Size{Cols: 80, Rows: 24}
	}
	if len(cfg.Shells) == 0 {
		cfg.Shells = []string{ptyproto.DefaultShell}
	}
	return &Server{cfg: cfg}
}

// Routes returns the host's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","sessions":` + strconv.Itoa(s.Active()) + `}`))
	})
	r.Get(SessionsPath, s.ServeSession)
	return r
}

// Active returns the number of running shells.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// ServeSession validates the handshake, upgrades to a websocket and relays
// a shell until either side ends.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request) {
	h, err := ptyproto.ParseHandshake(r.URL.Query(), s.cfg.DefaultSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(h.Token), []byte(s.cfg.Token)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if err := termlimits.ValidateShell(h.Shell, s.cfg.Shells); err != nil {
		log.Printf("[ptyhost] rejected shell %s from %s", logutil.SanitizeForLog(h.Shell), logutil.SanitizeForLog(r.RemoteAddr))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path, err := exec.LookPath(h.Shell)
	if err != nil {
		http.Error(w, "shell not found", http.StatusBadRequest)
		return
	}
	cols, rows, ok := termlimits.ClampSize(int(h.Size.Cols), int(h.Size.Rows))
	if !ok {
		cols, rows = int(s.cfg.DefaultSize.Cols), int(s.cfg.DefaultSize.Rows)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ptyhost] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 * 1024 * 1024)

	cmd := exec.Command(path)
	cmd.Env = append(append(os.Environ(), "TERM=xterm-256color"), s.cfg.Env...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
		X:    h.Size.PixelWidth,
		Y:    h.Size.PixelHeight,
	})
	if err != nil {
		log.Printf("[ptyhost] failed to start %s: %v", path, err)
		conn.Close(4500, "Failed to start shell")
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)
	log.Printf("[ptyhost] started %s pid=%d size=%dx%d", path, cmd.Process.Pid, cols, rows)

	sess := &shellSession{conn: conn, ptmx: ptmx, cmd: cmd}
	sess.run(r.Context())
}

type shellSession struct {
	conn *websocket.Conn
	ptmx *os.File
	cmd  *exec.Cmd

	killOnce sync.Once
}

func (ss *shellSession) run(ctx context.Context) {
	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	defer ss.kill()

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		ss.pumpOutput(relayCtx)
	}()

	exited := make(chan string, 1)
	go func() {
		err := ss.cmd.Wait()
		exited <- exitMessage(ss.cmd.ProcessState, err)
	}()

	// Shell -> client exit notification.
	go func() {
		var msg string
		select {
		case msg = <-exited:
		case <-relayCtx.Done():
			return
		}
		select {
		case <-outDone:
		case <-time.After(outputDrainTimeout):
		}
		log.Printf("[ptyhost] shell pid=%d exited: %s", ss.cmd.Process.Pid, msg)
		ss.send(relayCtx, ptyproto.ServerFrame{Type: ptyproto.TypeExit, Msg: msg})
		ss.conn.Close(websocket.StatusNormalClosure, "")
		relayCancel()
	}()

	// Client -> shell
	for {
		_, data, err := ss.conn.Read(relayCtx)
		if err != nil {
			return
		}
		f, err := ptyproto.DecodeClient(data)
		if err != nil {
			log.Printf("[ptyhost] dropping frame: %v: %s", err, logutil.SanitizeForLog(logutil.Truncate(string(data), 120)))
			continue
		}
		switch f.Type {
		case ptyproto.TypeData:
			if len(f.Data) > termlimits.MaxInputMessageSize {
				log.Printf("[ptyhost] input too large: size=%d limit=%d", len(f.Data), termlimits.MaxInputMessageSize)
				continue
			}
			if _, err := ss.ptmx.Write(f.Data); err != nil {
				return
			}
		case ptyproto.TypeSize:
			cols, rows, ok := termlimits.ClampSize(int(f.Size.Cols), int(f.Size.Rows))
			if !ok {
				continue
			}
			pty.Setsize(ss.ptmx, &pty.Winsize{
				Cols: uint16(cols),
				Rows: uint16(rows),
				X:    f.Size.PixelWidth,
				Y:    f.Size.PixelHeight,
			})
		case ptyproto.TypeExit:
			ss.cmd.Process.Signal(syscall.SIGHUP)
		}
	}
}

func (ss *shellSession) pumpOutput(ctx context.Context) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := ss.ptmx.Read(buf)
		if n > 0 {
			if ss.send(ctx, ptyproto.ServerFrame{Type: ptyproto.TypeData, Data: buf[:n]}) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (ss *shellSession) send(ctx context.Context, f ptyproto.ServerFrame) error {
	b, err := f.MarshalJSON()
	if err != nil {
		return err
	}
	return ss.conn.Write(ctx, websocket.MessageText, b)
}

// kill ends the shell and releases the PTY. Killing an exited process
// only returns an error, which is ignored.
func (ss *shellSession) kill() {
	ss.killOnce.Do(func() {
		ss.cmd.Process.Kill()
		ss.ptmx.Close()
	})
}

func exitMessage(ps *os.ProcessState, err error) string {
	if ps != nil {
		return strconv.Itoa(ps.ExitCode())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strconv.Itoa(exitErr.ExitCode())
	}
	return "-1"
}
