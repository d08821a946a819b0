// Package tokenstore keeps the bearer token used to authenticate the
// websocket handshake with the remote host. The token is persisted
// fernet-encrypted in the settings table and read fresh on every connect,
// so rotating it never requires restarting the session.
package tokenstore

import (
	"errors"
	"fmt"

	"github.com/gluk-w/claworc/ptyreplica/internal/crypto"
	"github.com/gluk-w/claworc/ptyreplica/internal/database"
	"gorm.io/gorm"
)

var ErrNoToken = errors.New("no server token stored")

// Store reads and writes the server token. The zero value is ready to use
// once database.DB is initialized.
type Store struct{}

// Token returns the decrypted token, or ErrNoToken if none has been saved.
func (Store) Token() (string, error) {
	enc, err := database.GetSetting(database.KeyServerToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read server token: %w", err)
	}
	if enc == "" {
		return "", ErrNoToken
	}
	tok, err := crypto.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("decrypt server token: %w", err)
	}
	return tok, nil
}

// SetToken encrypts and persists token. An empty token clears it.
func (Store) SetToken(token string) error {
	if token == "" {
		return database.DeleteSetting(database.KeyServerToken)
	}
	enc, err := crypto.Encrypt(token)
	if err != nil {
		return err
	}
	if err := database.SetSetting(database.KeyServerToken, enc); err != nil {
		return fmt.Errorf("save server token: %w", err)
	}
	return nil
}

// RotateKey moves the stored token onto a fresh encryption key and retires
// the old one.
func (s Store) RotateKey() error {
	tok, err := s.Token()
	if err != nil && !errors.Is(err, ErrNoToken) {
		return err
	}
	if err := crypto.RotateKey(); err != nil {
		return err
	}
	if tok != "" {
		if err := s.SetToken(tok); err != nil {
			return err
		}
	}
	return crypto.RetireKeys()
}

// Masked returns the stored token masked for display.
func (s Store) Masked() string {
	tok, err := s.Token()
	if err != nil {
		return ""
	}
	return crypto.Mask(tok)
}

// Static is a fixed token, for tests and for tokens supplied on the
// command line.
type Static string

func (s Static) Token() (string, error) { return string(s), nil }
