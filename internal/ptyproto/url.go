package ptyproto

import (
	"fmt"
	"net/url"
	"strconv"
)

// DefaultShell is used when the handshake does not name a shell.
const DefaultShell = "bash"

// Handshake holds the parameters sent as query values when opening the
// websocket.
type Handshake struct {
	Shell string
	Size  Size
	Token string
}

// HandshakeURL returns base with the handshake query appended. Existing
// query values on base are kept; the token is always last.
func HandshakeURL(base string, h Handshake) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	shell := h.Shell
	if shell == "" {
		shell = DefaultShell
	}
	q := u.Query()
	q.Del("token")
	q.Set("shell", shell)
	q.Set("rows", strconv.Itoa(int(h.Size.Rows)))
	q.Set("cols", strconv.Itoa(int(h.Size.Cols)))
	q.Set("pixel_width", strconv.Itoa(int(h.Size.PixelWidth)))
	q.Set("pixel_height", strconv.Itoa(int(h.Size.PixelHeight)))
	// Encode sorts keys; the token is appended after them.
	u.RawQuery = q.Encode() + "&token=" + url.QueryEscape(h.Token)
	return u.String(), nil
}

// ParseHandshake extracts handshake parameters from a request query, using
// def for anything missing.
func ParseHandshake(q url.Values, def Size) (Handshake, error) {
	h := Handshake{
		Shell: q.Get("shell"),
		Size:  def,
		Token: q.Get("token"),
	}
	if h.Shell == "" {
		h.Shell = DefaultShell
	}
	fields := []struct {
		key string
		dst *uint16
	}{
		{"cols", &h.Size.Cols},
		{"rows", &h.Size.Rows},
		{"pixel_width", &h.Size.PixelWidth},
		{"pixel_height", &h.Size.PixelHeight},
	}
	for _, f := range fields {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return h, fmt.Errorf("invalid %s %q", f.key, v)
		}
		*f.dst = uint16(n)
	}
	return h, nil
}

// RedactToken returns raw with any token query value masked, for logging.
func RedactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
