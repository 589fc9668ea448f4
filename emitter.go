package seamstress

// Emitter is the push-only handle a producer receives. It never exposes the
// consumer side of the queue or the engine.
type Emitter interface {
	// Emit enqueues ev. It fails fast with ErrQueueClosed once shutdown began,
	// or ErrQueueFull on a bounded queue at capacity; the event is dropped.
	Emit(ev Event) error
}

// EmitterFunc is an Adapter that lets a plain function satisfy Emitter.
type EmitterFunc func(ev Event) error

func (f EmitterFunc) Emit(ev Event) error { return f(ev) }

// EmitAll emits events in order and stops at the first failure, returning
// how many were accepted.
func EmitAll(e Emitter, events ...Event) (int, error) {
	for i, ev := range events {
		if err := e.Emit(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}
