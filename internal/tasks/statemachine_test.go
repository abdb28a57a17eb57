package tasks

import (
	"errors"
	"testing"
)

func TestLegalTransitions(t *testing.T) {
	legal := []struct {
		from, to State
	}{
		{StateSubmitted, StateWorking},
		{StateSubmitted, StateCanceled},
		{StateSubmitted, StateFailed},
		{StateWorking, StateInputRequired},
		{StateWorking, StateCompleted},
		{StateWorking, StateFailed},
		{StateWorking, StateCanceled},
		{StateInputRequired, StateWorking},
		{StateInputRequired, StateFailed},
		{StateInputRequired, StateCanceled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	illegal := []struct {
		from, to State
	}{
		{StateSubmitted, StateCompleted},
		{StateSubmitted, StateInputRequired},
		{StateInputRequired, StateCompleted},
		{StateCompleted, StateWorking},
		{StateCompleted, StateFailed},
		{StateFailed, StateWorking},
		{StateCanceled, StateWorking},
		{StateCanceled, StateCanceled},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
		if err := CheckTransition(tc.from, tc.to); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("CheckTransition(%s, %s) = %v, want ErrIllegalTransition", tc.from, tc.to, err)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []State{StateCompleted, StateFailed, StateCanceled} {
		for _, to := range ValidStates() {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s allows transition to %s", from, to)
			}
		}
	}
}
