package ptyhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newTestHost(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func sessionURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + SessionsPath + "?" + query
}

// readUntil reads server frames until the accumulated output contains want
// or an exit frame arrives. It returns the output and the exit message.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) (string, string, bool) {
	t.Helper()
	var out strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return out.String(), "", false
		}
		f, err := ptyproto.DecodeServer(data)
		if err != nil {
			t.Fatalf("decode server frame %s: %v", data, err)
		}
		switch f.Type {
		case ptyproto.TypeData:
			out.Write(f.Data)
			if want != "" && strings.Contains(out.String(), want) {
				return out.String(), "", false
			}
		case ptyproto.TypeExit:
			return out.String(), f.Msg, true
		}
	}
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f ptyproto.ClientFrame) {
	t.Helper()
	b, err := f.MarshalJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestShellSessionRoundTrip(t *testing.T) {
	requireShell(t)
	srv := newTestHost(t, Config{Token: "tok", Shells: []string{"sh"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, sessionURL(srv, "cols=100&rows=30&shell=sh&token=tok"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	writeFrame(t, ctx, conn, ptyproto.DataFrame([]byte("stty size; echo marker-$((40+2))\r")))
	out, _, exited := readUntil(t, ctx, conn, "marker-42")
	if exited || !strings.Contains(out, "marker-42") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "30 100") {
		t.Errorf("pty size not applied from handshake: %q", out)
	}

	writeFrame(t, ctx, conn, ptyproto.SizeFrame(ptyproto.Size{Cols: 120, Rows: 40}))
	writeFrame(t, ctx, conn, ptyproto.DataFrame([]byte("stty size\r")))
	out, _, _ = readUntil(t, ctx, conn, "40 120")
	if !strings.Contains(out, "40 120") {
		t.Errorf("resize not applied: %q", out)
	}

	writeFrame(t, ctx, conn, ptyproto.DataFrame([]byte("exit 3\r")))
	_, msg, exited := readUntil(t, ctx, conn, "")
	if !exited || msg != "3" {
		t.Errorf("exit = %v %q, want exit frame with code 3", exited, msg)
	}
}

func TestExitRequestHangsUpShell(t *testing.T) {
	requireShell(t)
	srv := newTestHost(t, Config{Shells: []string{"sh"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, sessionURL(srv, "shell=sh&token="), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	writeFrame(t, ctx, conn, ptyproto.ExitFrame())
	_, _, exited := readUntil(t, ctx, conn, "")
	if !exited {
		t.Error("expected an exit frame after an exit request")
	}
}

func TestHandshakeRejections(t *testing.T) {
	srv := newTestHost(t, Config{Token: "tok", Shells: []string{"sh"}})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing token", "shell=sh", http.StatusUnauthorized},
		{"wrong token", "shell=sh&token=nope", http.StatusUnauthorized},
		{"shell not allowed", "shell=python3&token=tok", http.StatusBadRequest},
		{"bad size", "shell=sh&cols=abc&token=tok", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + SessionsPath + "?" + tt.query)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv := newTestHost(t, Config{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
