// Command ptyhost serves PTY shell sessions over websocket for local
// development of the replicator.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/config"
	"github.com/gluk-w/claworc/ptyreplica/internal/logging"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyhost"
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
)

func main() {
	config.Load()
	logging.Init(filepath.Join(config.Cfg.DataPath, "ptyhost.log"))
	defer logging.Close()

	if config.Cfg.HostToken == "" {
		log.Printf("[ptyhost] WARNING: PTYREPLICA_HOST_TOKEN is empty, handshake tokens are not checked")
	}

	host := ptyhost.New(ptyhost.Config{
		Token:  config.Cfg.HostToken,
		Shells: config.Cfg.HostShells,
		DefaultSize: ptyproto.NewSize(
			config.Cfg.InitialCols, config.Cfg.InitialRows, 0, 0),
	})

	srv := &http.Server{
		Addr:              config.Cfg.HostAddr,
		Handler:           host.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[ptyhost] listening on %s%s (shells: %v)", config.Cfg.HostAddr, ptyhost.SessionsPath, config.Cfg.HostShells)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ptyhost] server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Printf("[ptyhost] shutting down with %d active sessions", host.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ptyhost] shutdown: %v", err)
	}
}
