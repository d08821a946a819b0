package database

import "time"

// Setting is a key/value row in the client-side store. Secrets are stored
// fernet-encrypted (see internal/crypto).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Setting keys.
const (
	KeyFernet      = "fernet_key"
	KeyServerToken = "server_token"
)
