package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/ptyreplica/internal/database"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"github.com/gluk-w/claworc/ptyreplica/internal/tokenstore"
	"github.com/gluk-w/claworc/ptyreplica/internal/wstransport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.DB = prev
		sqlDB.Close()
	})
}

// remoteHost is an in-process stand-in for the remote PTY host. It greets
// each connection, echoes data frames back as output and answers an exit
// request with an exit frame.
type remoteHost struct {
	srv *httptest.Server

	mu      sync.Mutex
	queries []string
	frames  []ptyproto.ClientFrame
}

const hostGreeting = "welcome to the remote host\r\n$ "

func newRemoteHost(t *testing.T) *remoteHost {
	t.Helper()
	h := &remoteHost{}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *remoteHost) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.queries = append(h.queries, r.URL.RawQuery)
	h.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	send := func(f ptyproto.ServerFrame) error {
		b, err := f.MarshalJSON()
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, b)
	}
	if err := send(ptyproto.ServerFrame{Type: ptyproto.TypeData, Data: []byte(hostGreeting)}); err != nil {
		return
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := ptyproto.DecodeClient(msg)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.frames = append(h.frames, f)
		h.mu.Unlock()

		switch f.Type {
		case ptyproto.TypeData:
			send(ptyproto.ServerFrame{Type: ptyproto.TypeData, Data: f.Data})
		case ptyproto.TypeExit:
			send(ptyproto.ServerFrame{Type: ptyproto.TypeExit, Msg: "0"})
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (h *remoteHost) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws/pty/sessions"
}

func (h *remoteHost) lastQuery() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queries) == 0 {
		return ""
	}
	return h.queries[len(h.queries)-1]
}

func (h *remoteHost) received() []ptyproto.ClientFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ptyproto.ClientFrame(nil), h.frames...)
}

// newTestReplica installs a Session pointed at host as the package-level
// Replica.
func newTestReplica(t *testing.T, host *remoteHost) *replica.Session {
	t.Helper()
	s := replica.NewSession(replica.Config{
		ServerURL:             host.url(),
		Cols:                  80,
		Rows:                  24,
		KeepAliveOnNavigation: true,
	}, &wstransport.Dialer{}, tokenstore.Static("host-token"))
	prev := Replica
	Replica = s
	t.Cleanup(func() {
		Replica = prev
		s.Close()
	})
	return s
}

func connectReplica(t *testing.T, s *replica.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func doRequest(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}
