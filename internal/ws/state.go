package ws

import "sync/atomic"

// ConnState represents the connection state of a realtime session.
type ConnState int32

// Connection states for the broker connection lifecycle.
const (
	// StateDisconnected indicates no session is open or the last one was lost.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a session is being opened and has not completed its handshake.
	StateConnecting
	// StateConnected indicates the broker acknowledged the handshake.
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// State provides atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
