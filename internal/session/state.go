// Package session holds the plumbing shared by both tunnel hops: the session state
// machine, the accept loop and the bidirectional pipe used once a session is established.
package session

import (
	"fmt"
	"sync/atomic"

	"github.com/postalsys/shadow-tunnel/internal/socks5"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateMethodsSent
	StateAuth
	StateCommand
	StateWaitingConnection
	StateEstablished
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnected:
		return "CONNECTED"
	case StateMethodsSent:
		return "METHODS_SENT"
	case StateAuth:
		return "AUTH"
	case StateCommand:
		return "COMMAND"
	case StateWaitingConnection:
		return "WAITING_CONNECTION"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transition other than to Disconnected is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// Machine tracks a session's state. Only the owning goroutine transitions it; State is
// safe to call from anywhere.
type Machine struct {
	state atomic.Int32
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Transition moves the machine to next. States only move forward; Error may be entered
// from any live state and Disconnected from any state at all.
func (m *Machine) Transition(next State) error {
	for {
		cur := m.State()
		if !allowed(cur, next) {
			return fmt.Errorf("%w: %s -> %s", socks5.ErrState, cur, next)
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// Fail moves the machine to Error unless it is already terminal.
func (m *Machine) Fail() {
	_ = m.Transition(StateError)
}

// Close moves the machine to Disconnected.
func (m *Machine) Close() {
	_ = m.Transition(StateDisconnected)
}

func allowed(cur, next State) bool {
	switch {
	case cur == StateDisconnected:
		return false
	case next == StateDisconnected:
		return true
	case cur.Terminal():
		return false
	case next == StateError:
		return true
	default:
		return next > cur
	}
}
