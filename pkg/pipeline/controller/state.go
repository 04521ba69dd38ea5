package controller

import (
	"errors"
	"fmt"
)

// State is a step of a layer run.
type State string

const (
	StatePending       State = "pending"
	StateValidating    State = "validating"
	StateDeduplicating State = "deduplicating"
	StateMerging       State = "merging"
	StateAssembling    State = "assembling"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

var stateOrder = []State{StatePending, StateValidating, StateDeduplicating, StateMerging, StateAssembling, StateCompleted}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var ErrIllegalTransition = errors.New("illegal state transition")

// Machine enforces the stage order. Every non-terminal state advances only to its successor or
// to Failed; terminal states never change.
type Machine struct {
	state   State
	history []State
}

func NewMachine() *Machine {
	return &Machine{state: StatePending, history: []State{StatePending}}
}

func (m *Machine) State() State { return m.state }

// History returns every state entered, starting with Pending.
func (m *Machine) History() []State { return append([]State(nil), m.history...) }

func (m *Machine) Transition(to State) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, m.state)
	}
	if to != StateFailed && to != next(m.state) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

func next(s State) State {
	for i, st := range stateOrder {
		if st == s && i+1 < len(stateOrder) {
			return stateOrder[i+1]
		}
	}
	return ""
}
