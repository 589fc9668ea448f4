package seamstress

import (
	"context"
	"sync/atomic"
)

// activeRuntime is the one runtime allowed to be running in this process.
var activeRuntime atomic.Pointer[Runtime]

// Active returns the running runtime, or nil.
func Active() *Runtime { return activeRuntime.Load() }

// New constructs a Runtime via the Builder.
func New(init func(b *RuntimeBuilder)) (*Runtime, error) {
	b := NewRuntimeBuilder()
	if init != nil {
		init(b)
	}
	return b.Build()
}

// Run is the Facade that builds a runtime and runs it to completion.
func Run(ctx context.Context, init func(b *RuntimeBuilder)) error {
	r, err := New(init)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

// RequestShutdown asks the active runtime to stop. It is meant for signal
// handlers and other code that has no handle on the runtime.
func RequestShutdown(reason string) error {
	r := Active()
	if r == nil {
		return ErrNoActiveRuntime
	}
	return r.RequestShutdown(reason)
}
