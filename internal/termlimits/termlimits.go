// Package termlimits holds the bounds applied to terminal traffic that
// arrives from viewers or remote clients: shell allow-listing, input and
// size limits, and a per-connection message rate limiter.
package termlimits

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MaxInputMessageSize is the largest single input message accepted from
	// a websocket client.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols = 500
	MaxTermRows = 200

	// MessageRateLimit is the sustained number of messages per second from
	// a client; MessageRateBurst is the burst allowance.
	MessageRateLimit = 100
	MessageRateBurst = 200
)

// ValidateShell checks shell against allowed. An empty shell is accepted
// and means the default.
func ValidateShell(shell string, allowed []string) error {
	if shell == "" {
		return nil
	}
	for _, a := range allowed {
		if shell == a {
			return nil
		}
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %v", shell, allowed)
}

// ClampSize bounds cols and rows to the maximum terminal size. It reports
// false when either dimension is below one.
func ClampSize(cols, rows int) (int, int, bool) {
	if cols < 1 || rows < 1 {
		return 0, 0, false
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows), true
}

// RateLimiter is a token bucket for websocket messages.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (tokens/sec) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token, or reports false if none is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	rl.lastRefill = now
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
