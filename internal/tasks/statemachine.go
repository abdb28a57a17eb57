package tasks

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal task state transition")

// transitions is the fixed table of legal state moves. Terminal states
// have no outgoing edges.
var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateCanceled, StateFailed},
	StateWorking:       {StateInputRequired, StateCompleted, StateFailed, StateCanceled},
	StateInputRequired: {StateWorking, StateFailed, StateCanceled},
	StateCompleted:     {},
	StateFailed:        {},
	StateCanceled:      {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition (wrapped with the edge)
// when from -> to is not in the table.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ValidStates lists every canonical state, useful for wire validation.
func ValidStates() []State {
	return []State{
		StateSubmitted,
		StateWorking,
		StateInputRequired,
		StateCompleted,
		StateFailed,
		StateCanceled,
	}
}
