package seamstress

import (
	"fmt"
	"sync/atomic"
)

// State is the process-wide lifecycle phase.
//
// State Machine:
//
//	Uninitialized → Initialized     [all init steps succeeded]
//	Uninitialized → ShuttingDown    [an init step failed]
//	Initialized   → Running         [producers started, scan done]
//	Initialized   → ShuttingDown    [startup failed]
//	Running       → ShuttingDown    [Shutdown dispatched or external termination]
//	ShuttingDown  → Terminated      [producers joined, steps deinitialized]
//	Terminated    → (terminal)
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) canTransition(to State) bool {
	switch s {
	case StateUninitialized:
		return to == StateInitialized || to == StateShuttingDown
	case StateInitialized:
		return to == StateRunning || to == StateShuttingDown
	case StateRunning:
		return to == StateShuttingDown
	case StateShuttingDown:
		return to == StateTerminated
	default:
		return false
	}
}

// StateReader is the read-only view handed to components that need to query
// the phase. Only the runtime holds the StateMachine itself.
type StateReader interface {
	State() State
}

// StateMachine holds the lifecycle state. Transitions are compare-and-swap
// only, so they are monotonic even when raced.
type StateMachine struct {
	v        atomic.Int32
	onChange func(from, to State)
}

// NewStateMachine returns a machine in StateUninitialized. onChange, if set,
// runs synchronously after every successful transition.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{onChange: onChange}
}

// State returns the current phase.
func (m *StateMachine) State() State { return State(m.v.Load()) }

// Transition moves to the next phase or fails with ErrInvalidTransition.
func (m *StateMachine) Transition(to State) error {
	for {
		cur := State(m.v.Load())
		if !cur.canTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
		}
		if m.v.CompareAndSwap(int32(cur), int32(to)) {
			if m.onChange != nil {
				m.onChange(cur, to)
			}
			return nil
		}
	}
}
