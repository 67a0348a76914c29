package jingle

import "fmt"

// SessionState represents the lifecycle state of a Jingle session
type SessionState int

const (
	// StateIdle is the initial state before session-initiate is sent
	StateIdle SessionState = iota
	// StateInviting is after session-initiate was sent, awaiting session-accept
	StateInviting
	// StateActive is after session-accept, media signaling is established
	StateActive
	// StateTransportPending is after transport-replace was sent, awaiting the result
	StateTransportPending
	// StateTerminated is the final state after the session ends
	StateTerminated
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInviting:
		return "Inviting"
	case StateActive:
		return "Active"
	case StateTransportPending:
		return "TransportPending"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[SessionState][]SessionState{
	StateIdle:             {StateInviting, StateTerminated},
	StateInviting:         {StateActive, StateTerminated},
	StateActive:           {StateTransportPending, StateTerminated},
	StateTransportPending: {StateActive, StateTerminated},
	StateTerminated:       {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s SessionState) CanTransitionTo(next SessionState) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s SessionState) IsTerminal() bool {
	return s == StateTerminated
}
