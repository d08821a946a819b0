package ptyhost

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"github.com/gluk-w/claworc/ptyreplica/internal/tokenstore"
	"github.com/gluk-w/claworc/ptyreplica/internal/vtscreen"
	"github.com/gluk-w/claworc/ptyreplica/internal/wstransport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestReplicaAgainstShell drives a replicated session against a real
// shell: live output, detach while output continues, and a replay onto a
// fresh viewer that must match the canonical screen.
func TestReplicaAgainstShell(t *testing.T) {
	requireShell(t)
	srv := newTestHost(t, Config{Token: "e2e", Shells: []string{"sh"}, Env: []string{"PS1=$ "}})

	s := replica.NewSession(replica.Config{
		ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + SessionsPath,
		Shell:     "sh",
		Cols:      60,
		Rows:      12,
	}, &wstransport.Dialer{}, tokenstore.Static("e2e"))
	defer s.Close()

	first := vtscreen.New(60, 12)
	a, err := s.Attach(first)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.SendInput([]byte("echo first-$((1+1))\r"))
	waitFor(t, "first output", func() bool { return strings.Contains(first.Text(), "first-2") })
	if s.Unread() {
		t.Error("output shown to a viewer marked the session unread")
	}

	a.Detach()
	s.SendInput([]byte("echo second-$((2+2))\r"))
	waitFor(t, "output while detached", func() bool { return strings.Contains(s.Screen(), "second-4") })
	if !s.Unread() {
		t.Error("output with no viewer should mark the session unread")
	}
	if strings.Contains(first.Text(), "second-4") {
		t.Error("detached viewer received output")
	}

	second := vtscreen.New(20, 5)
	b, err := s.Attach(second)
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if second.Text() != s.Screen() {
		t.Errorf("replayed %q, canonical %q", second.Text(), s.Screen())
	}
	if n := strings.Count(second.Text(), "first-2"); n != 1 {
		t.Errorf("first output replayed %d times", n)
	}

	b.Resize(70, 14, 0, 0)
	s.SendInput([]byte("stty size\r"))
	waitFor(t, "resized pty", func() bool { return strings.Contains(second.Text(), "14 70") })

	s.RequestExit()
	waitFor(t, "exit", func() bool { return s.Status().Ended })
	waitFor(t, "disconnect", func() bool { return s.State() == replica.StateDisconnected })
	if !strings.Contains(second.Text(), "[Process exited with code") {
		t.Errorf("exit marker missing: %q", second.Text())
	}
}
