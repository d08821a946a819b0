package ledger

import (
	"github.com/charmbracelet/x/ansi"
)

// maxPendingSequence bounds how much of an unterminated escape sequence is
// held back from the base screen. Past it the bytes are folded in anyway.
const maxPendingSequence = 4096

// groundPrefix returns the length of the longest prefix of p after which a
// parser starting in the ground state is back in the ground state. The
// remainder is an escape sequence still waiting for more bytes.
func groundPrefix(p []byte) int {
	var state byte = ansi.NormalState
	ground := 0
	for off := 0; off < len(p); {
		_, _, n, next := ansi.DecodeSequence(p[off:], state, nil)
		if n <= 0 {
			break
		}
		off += n
		state = next
		if state == ansi.NormalState {
			ground = off
		}
	}
	return ground
}
