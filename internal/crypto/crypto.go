// Package crypto seals secrets kept in the settings table.
//
// The keyring is stored under database.KeyFernet as comma separated fernet
// keys. The first key signs new tokens; the rest are retired keys that are
// still accepted when decrypting, so a rotation never strands a secret.
package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/claworc/ptyreplica/internal/database"
	"gorm.io/gorm"
)

var ErrInvalidToken = errors.New("decrypt: invalid token")

func loadKeyring() ([]*fernet.Key, error) {
	keyStr, err := database.GetSetting(database.KeyFernet)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read fernet key: %w", err)
	}
	if keyStr == "" {
		k, err := newKey()
		if err != nil {
			return nil, err
		}
		ring := []*fernet.Key{k}
		if err := saveKeyring(ring); err != nil {
			return nil, err
		}
		return ring, nil
	}

	var ring []*fernet.Key
	for _, s := range strings.Split(keyStr, ",") {
		k, err := fernet.DecodeKey(s)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		ring = append(ring, k)
	}
	return ring, nil
}

func saveKeyring(ring []*fernet.Key) error {
	enc := make([]string, len(ring))
	for i, k := range ring {
		enc[i] = k.Encode()
	}
	if err := database.SetSetting(database.KeyFernet, strings.Join(enc, ",")); err != nil {
		return fmt.Errorf("save fernet key: %w", err)
	}
	return nil
}

func newKey() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	return &k, nil
}

func Encrypt(plaintext string) (string, error) {
	ring, err := loadKeyring()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), ring[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	ring, err := loadKeyring()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, ring)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// RotateKey makes a fresh key the signing key. The previous signing key
// stays in the ring for decryption until RetireKeys is called.
func RotateKey() error {
	ring, err := loadKeyring()
	if err != nil {
		return err
	}
	k, err := newKey()
	if err != nil {
		return err
	}
	return saveKeyring([]*fernet.Key{k, ring[0]})
}

// RetireKeys drops every key except the signing key. Secrets sealed with a
// retired key become unreadable.
func RetireKeys() error {
	ring, err := loadKeyring()
	if err != nil {
		return err
	}
	if len(ring) == 1 {
		return nil
	}
	return saveKeyring(ring[:1])
}

// KeyCount reports how many keys the ring holds.
func KeyCount() (int, error) {
	ring, err := loadKeyring()
	if err != nil {
		return 0, err
	}
	return len(ring), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
