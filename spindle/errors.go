package spindle

import (
	"errors"
	"fmt"
)

var (
	// ErrStateClosed is returned when handling events after Deinit.
	ErrStateClosed = errors.New("spindle: lua state is closed")

	// ErrNotRunning is returned when a script emits before Startup.
	ErrNotRunning = errors.New("spindle: runtime not started")

	// ErrEmptyPacket is returned for a NetworkMessage with no payload.
	ErrEmptyPacket = errors.New("spindle: empty osc packet")
)

// ScriptError reports a script that failed to load.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("spindle: load %s: %v", e.Script, e.Err) }

func (e *ScriptError) Unwrap() error { return e.Err }

// CallbackError reports a callback that raised an error.
type CallbackError struct {
	Callback string
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("spindle: %s: %v", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
