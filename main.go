package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/config"
	"github.com/gluk-w/claworc/ptyreplica/internal/console"
	"github.com/gluk-w/claworc/ptyreplica/internal/database"
	"github.com/gluk-w/claworc/ptyreplica/internal/handlers"
	"github.com/gluk-w/claworc/ptyreplica/internal/keepalive"
	"github.com/gluk-w/claworc/ptyreplica/internal/logging"
	"github.com/gluk-w/claworc/ptyreplica/internal/middleware"
	"github.com/gluk-w/claworc/ptyreplica/internal/recording"
	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"github.com/gluk-w/claworc/ptyreplica/internal/tokenstore"
	"github.com/gluk-w/claworc/ptyreplica/internal/wstransport"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

//go:embed web
var webFS embed.FS

const recordingMaxEntries = 50000

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--set-token":
			runSetToken()
			return
		case "--rotate-key":
			runRotateKey()
			return
		case "--attach":
			runAttach()
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.ResolvedLogPath())
	defer logging.Close()

	if err := database.Init(config.Cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sess, rec := newSession()
	handlers.Replica = sess
	handlers.Recorder = rec

	sched := startKeepAlive(sess)

	if config.Cfg.AutoConnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sess.Connect(ctx); err != nil {
				log.Printf("WARNING: auto-connect failed: %v", err)
			}
		}()
	}

	if config.Cfg.GatewayToken == "" {
		log.Printf("WARNING: PTYREPLICA_GATEWAY_TOKEN is empty, the gateway API is unauthenticated")
	}

	webDist, _ := fs.Sub(webFS, "web")
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           newRouter(webDist, config.Cfg.GatewayToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Gateway starting on %s (remote host %s)", config.Cfg.ListenAddr, config.Cfg.ServerURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	waitForShutdown(sigCh, &navigationGuard{session: sess})
	signal.Stop(sigCh)
	log.Println("Shutting down...")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the session first drops the attached viewer so its websocket
	// handler returns before Shutdown waits on it.
	sess.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func newRouter(web fs.FS, gatewayToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(gatewayToken))

		// Session lifecycle
		r.Get("/session", handlers.GetSession)
		r.Post("/session/connect", handlers.ConnectSession)
		r.Post("/session/disconnect", handlers.DisconnectSession)
		r.Post("/session/reset", handlers.ResetSession)
		r.Post("/session/exit", handlers.ExitSession)
		r.Post("/session/read", handlers.MarkSessionRead)
		r.Put("/session/keepalive", handlers.SetSessionKeepAlive)

		// Session contents
		r.Get("/session/screen", handlers.GetSessionScreen)
		r.Get("/session/recording", handlers.GetSessionRecording)

		// Viewer WebSocket
		r.Get("/session/viewer", handlers.SessionViewerWS)

		// Settings
		r.Get("/settings/server-token", handlers.GetServerToken)
		r.Put("/settings/server-token", handlers.PutServerToken)

		// Server logs
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	// Web viewer (embedded)
	ui := middleware.NewWebUI(web)
	r.NotFound(ui.ServeHTTP)
	return r
}

func newSession() (*replica.Session, *recording.Recording) {
	cfg := replica.Config{
		ServerURL:             config.Cfg.ServerURL,
		Shell:                 config.Cfg.Shell,
		Cols:                  config.Cfg.InitialCols,
		Rows:                  config.Cfg.InitialRows,
		Retention:             config.Cfg.RetentionBytes,
		KeepAliveOnNavigation: config.Cfg.KeepAliveOnNavigation,
	}
	var rec *recording.Recording
	if config.Cfg.RecordingEnabled {
		rec = recording.New(recordingMaxEntries)
		cfg.Recorder = rec
	}
	dialer := &wstransport.Dialer{InsecureSkipVerify: config.Cfg.InsecureSkipVerify}
	sess := replica.NewSession(cfg, dialer, tokenstore.Store{})
	sess.OnStateChange(func(from, to replica.ConnectionState, reason string) {
		log.Printf("[replica] %s -> %s: %s", from, to, reason)
	})
	log.Printf("Session %s initialized (%dx%d, shell=%s, retention=%d bytes, recording=%v)",
		sess.ID(), cfg.Cols, cfg.Rows, cfg.Shell, cfg.Retention, rec != nil)
	return sess, rec
}

func startKeepAlive(sess *replica.Session) *keepalive.Scheduler {
	every, _ := config.Cfg.KeepAliveEvery()
	if every == 0 {
		return nil
	}
	sched, err := keepalive.Start(sess, every)
	if err != nil {
		log.Printf("WARNING: keepalive disabled: %v", err)
		return nil
	}
	log.Printf("Keepalive every %s", every)
	return sched
}

// navigationGuard vetoes the first shutdown signal while the session asks
// to block navigation. A second signal always proceeds.
type navigationGuard struct {
	session interface{ ShouldBlockNavigation() bool }
	warned  bool
}

func (g *navigationGuard) allow() bool {
	if g.warned || !g.session.ShouldBlockNavigation() {
		return true
	}
	g.warned = true
	return false
}

// waitForShutdown returns once a signal is allowed through. SIGTERM is
// never vetoed.
func waitForShutdown(sigCh <-chan os.Signal, guard *navigationGuard) {
	for sig := range sigCh {
		if sig == syscall.SIGTERM || guard.allow() {
			return
		}
		log.Printf("WARNING: session is connected with keep-alive on; press Ctrl-C again to disconnect and exit")
	}
}

func runSetToken() {
	fset := flag.NewFlagSet("set-token", flag.ExitOnError)
	token := fset.String("token", "", "Remote host token (empty clears it)")
	fset.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(config.Cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := (tokenstore.Store{}).SetToken(*token); err != nil {
		log.Fatalf("Failed to save token: %v", err)
	}
	if *token == "" {
		fmt.Println("Server token cleared.")
		return
	}
	fmt.Println("Server token saved.")
}

func runRotateKey() {
	config.Load()
	if err := database.Init(config.Cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := (tokenstore.Store{}).RotateKey(); err != nil {
		log.Fatalf("Failed to rotate key: %v", err)
	}
	fmt.Println("Encryption key rotated.")
}

// runAttach connects the session and attaches the local terminal to it
// without starting the gateway.
func runAttach() {
	fset := flag.NewFlagSet("attach", flag.ExitOnError)
	token := fset.String("token", "", "Remote host token (overrides the stored one)")
	fset.Parse(os.Args[2:])

	config.Load()
	logging.Init(config.Cfg.ResolvedLogPath())
	defer logging.Close()
	logging.FileOnly()

	var tokens replica.TokenSource = tokenstore.Store{}
	if *token != "" {
		tokens = tokenstore.Static(*token)
	} else if err := database.Init(config.Cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	} else {
		defer database.Close()
	}

	cfg := replica.Config{
		ServerURL: config.Cfg.ServerURL,
		Shell:     config.Cfg.Shell,
		Cols:      config.Cfg.InitialCols,
		Rows:      config.Cfg.InitialRows,
		Retention: config.Cfg.RetentionBytes,
	}
	sess := replica.NewSession(cfg, &wstransport.Dialer{InsecureSkipVerify: config.Cfg.InsecureSkipVerify}, tokens)
	defer sess.Close()

	if sched := startKeepAlive(sess); sched != nil {
		defer sched.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := sess.Connect(connectCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", config.Cfg.ServerURL, err)
		os.Exit(1)
	}

	if err := console.Run(ctx, sess, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}
