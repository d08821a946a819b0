package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PTYREPLICA"

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Remote host
	ServerURL          string `envconfig:"SERVER_URL" default:"ws://127.0.0.1:6443/api/ws/pty/sessions"`
	Shell              string `envconfig:"SHELL_NAME" default:"bash"`
	InsecureSkipVerify bool   `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`
	AutoConnect        bool   `envconfig:"AUTO_CONNECT" default:"false"`

	// Session settings
	InitialCols           int    `envconfig:"INITIAL_COLS" default:"80"`
	InitialRows           int    `envconfig:"INITIAL_ROWS" default:"24"`
	RetentionBytes        int    `envconfig:"LEDGER_RETENTION_BYTES" default:"1048576"`
	KeepAliveOnNavigation bool   `envconfig:"KEEP_ALIVE_ON_NAVIGATION" default:"true"`
	KeepAliveInterval     string `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	RecordingEnabled      bool   `envconfig:"RECORDING_ENABLED" default:"false"`

	// Local viewer gateway
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8022"`
	GatewayToken string `envconfig:"GATEWAY_TOKEN" default:""`

	// Development host (cmd/ptyhost)
	HostAddr   string   `envconfig:"HOST_ADDR" default:"127.0.0.1:6443"`
	HostToken  string   `envconfig:"HOST_TOKEN" default:""`
	HostShells []string `envconfig:"HOST_SHELLS" default:"bash,sh,zsh"`
}

var Cfg Settings

func Load() {
	s, err := Parse()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse reads Settings from the environment without touching Cfg.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.InitialCols <= 0 || s.InitialRows <= 0 {
		return fmt.Errorf("initial size must be positive, got %dx%d", s.InitialCols, s.InitialRows)
	}
	if s.RetentionBytes < 0 {
		return fmt.Errorf("ledger retention must not be negative, got %d", s.RetentionBytes)
	}
	if _, err := s.KeepAliveEvery(); err != nil {
		return err
	}
	return nil
}

// KeepAliveEvery parses KeepAliveInterval. Zero disables scheduled pings.
func (s Settings) KeepAliveEvery() (time.Duration, error) {
	if s.KeepAliveInterval == "" || s.KeepAliveInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.KeepAliveInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid keepalive interval %q: %w", s.KeepAliveInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid keepalive interval %q", s.KeepAliveInterval)
	}
	return d, nil
}

func (s Settings) ResolvedDatabasePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "ptyreplica.db")
}

func (s Settings) ResolvedLogPath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "ptyreplica.log")
}
