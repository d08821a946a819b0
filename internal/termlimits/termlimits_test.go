package termlimits

import (
	"testing"
	"time"
)

func TestValidateShell(t *testing.T) {
	allowed := []string{"bash", "sh", "zsh"}
	for _, shell := range append([]string{""}, allowed...) {
		if err := ValidateShell(shell, allowed); err != nil {
			t.Errorf("ValidateShell(%q) returned error: %v", shell, err)
		}
	}

	disallowed := []string{
		"python3",
		"bash; rm -rf /",
		"/bin/bash",
		"bash\nsh",
		"bash\x00sh",
		"../../bin/bash",
		"bash --norc",
		"$(whoami)",
	}
	for _, shell := range disallowed {
		if err := ValidateShell(shell, allowed); err == nil {
			t.Errorf("ValidateShell(%q) should return error for disallowed shell", shell)
		}
	}
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		cols, rows         int
		wantCols, wantRows int
		ok                 bool
	}{
		{80, 24, 80, 24, true},
		{1000, 1000, MaxTermCols, MaxTermRows, true},
		{0, 24, 0, 0, false},
		{80, -1, 0, 0, false},
	}
	for _, tt := range tests {
		c, r, ok := ClampSize(tt.cols, tt.rows)
		if c != tt.wantCols || r != tt.wantRows || ok != tt.ok {
			t.Errorf("ClampSize(%d, %d) = %d, %d, %v", tt.cols, tt.rows, c, r, ok)
		}
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(10, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d within burst was rejected", i)
		}
	}
	if rl.Allow() {
		t.Fatal("expected Allow() to return false after burst exhausted")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	if !rl.Allow() {
		t.Fatal("first call should succeed")
	}
	if rl.Allow() {
		t.Fatal("second call should be denied")
	}
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("call after refill should succeed")
	}
}

func TestRateLimiter_TokensCappedAtMax(t *testing.T) {
	rl := NewRateLimiter(1000, 5)
	time.Sleep(100 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow() {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected exactly 5 tokens (burst cap), got %d", allowed)
	}
}
