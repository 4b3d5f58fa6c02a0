// Package rollout provides the domain model for releases rolling out across
// deployment environments.
package rollout

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a tracked release.
// A release that reached a terminal outcome is removed from the store
// instead of carrying a final state value.
type State string

const (
	// StateNotYetReady indicates the release waits for its main branch build.
	StateNotYetReady State = "not_yet_ready"
	// StateCreated indicates the remote release exists and has been announced.
	StateCreated State = "created"
	// StateMonitoring indicates the terminal stage is deployed and under verification.
	StateMonitoring State = "monitoring"
)

// AllStates returns all valid release states in lifecycle order.
func AllStates() []State {
	return []State{StateNotYetReady, StateCreated, StateMonitoring}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid release state.
func (s State) IsValid() bool {
	switch s {
	case StateNotYetReady, StateCreated, StateMonitoring:
		return true
	default:
		return false
	}
}

// Cancelable reports whether a user may still cancel a release in this state.
func (s State) Cancelable() bool {
	return s == StateNotYetReady || s == StateCreated
}

// CanTransitionTo returns true if moving to target keeps the lifecycle monotonic.
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range validTransitions()[s] {
		if valid == target {
			return true
		}
	}
	return false
}

func validTransitions() map[State][]State {
	return map[State][]State{
		StateNotYetReady: {StateCreated},
		StateCreated:     {StateMonitoring},
		StateMonitoring:  {},
	}
}

// ParseState parses a string into a State.
func ParseState(s string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(s)))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid release state: %q", s)
	}
	return state, nil
}
