package session

import "fmt"

// State is the lifecycle state of a session. Stopped, completed and
// failed are terminal.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateFailed:
		return true
	}
	return false
}

var allowedTransitions = map[State][]State{
	StateCreated: {StateActive},
	StateActive:  {StatePaused, StateStopped, StateCompleted, StateFailed},
	StatePaused:  {StateActive, StateStopped},
}

// InvalidTransitionError identifies the rejected (from, to) pair. It
// indicates a logic error in the caller, not a runtime condition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// transition validates and returns the new state without coercing.
func transition(from, to State) (State, error) {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, &InvalidTransitionError{From: from, To: to}
}
