package seamstress

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInitFailure marks a collaborator that could not be initialized.
	// It is the only error Run surfaces to its caller.
	ErrInitFailure = errors.New("seamstress: init failure")

	// ErrQueueClosed is returned by pushes after shutdown began.
	ErrQueueClosed = errors.New("seamstress: event queue closed")

	// ErrQueueFull is returned by pushes into a bounded queue at capacity.
	ErrQueueFull = errors.New("seamstress: event queue full")

	// ErrHandlerFailure marks a callback that failed while handling one event.
	ErrHandlerFailure = errors.New("seamstress: handler failure")

	// ErrShutdownTimeout marks a producer that did not stop within its grace period.
	ErrShutdownTimeout = errors.New("seamstress: producer stop timeout")

	ErrInvalidTransition           = errors.New("seamstress: invalid lifecycle transition")
	ErrRuntimeActive               = errors.New("seamstress: a runtime is already running in this process")
	ErrNoActiveRuntime             = errors.New("seamstress: no runtime is running")
	ErrNoEngine                    = errors.New("seamstress: no engine configured")
	ErrObserverPoolShutdownTimeout = errors.New("seamstress: observer pool shutdown timeout")
)

// ErrUnknownProducer is returned by NewProducer for unregistered names.
type ErrUnknownProducer struct{ name string }

func (e ErrUnknownProducer) Error() string { return fmt.Sprintf("seamstress: unknown producer: %s", e.name) }

// InitError reports which lifecycle step failed.
type InitError struct {
	Step string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("seamstress: init %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrInitFailure, e.Err} }

// HandlerError reports a failed callback for a single event.
type HandlerError struct {
	Seq  uint64
	Kind Kind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("seamstress: handler failed on %s #%d: %v", e.Kind, e.Seq, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerFailure, e.Err} }

// StopTimeoutError reports a producer abandoned after its grace period.
type StopTimeoutError struct {
	Producer string
	Grace    time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("seamstress: producer %s did not stop within %s", e.Producer, e.Grace)
}

func (e *StopTimeoutError) Unwrap() error { return ErrShutdownTimeout }
