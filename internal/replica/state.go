// state.go tracks the connection state of a Session.
//
// A Session is Disconnected, Connecting or Connected. Every change is
// recorded in a 50-entry ring buffer for debugging, and registered
// callbacks run on each change so a UI can follow along.

package replica

import (
	"encoding/json"
	"sync"
	"time"
)

// ConnectionState is the transport state of a Session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// stateTransitionBufferSize is the number of transitions kept per session.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called on every state change. Callbacks run on the
// session's event loop and must not call back into the Session.
type StateChangeCallback func(from, to ConnectionState, reason string)

type stateTracker struct {
	mu          sync.RWMutex
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
	callbacks   []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateDisconnected}
}

// set changes the state, records the transition and runs callbacks. Setting
// the current state again is a no-op.
func (st *stateTracker) set(state ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state, reason)
	}
}

func (st *stateTracker) get() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
