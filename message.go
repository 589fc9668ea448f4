package seamstress

import (
	"time"
)

// Envelope wraps an accepted event with its queue position and origin.
type Envelope struct {
	// Seq is the global FIFO position assigned at push time, starting at 1.
	Seq uint64
	// Source names the producer that pushed the event.
	Source string
	// ProducedAt is the push timestamp (from the injected clock).
	ProducedAt time.Time
	// Event is the immutable payload.
	Event Event
}

// Kind is shorthand for e.Event.Kind().
func (e Envelope) Kind() Kind {
	if e.Event == nil {
		return 0
	}
	return e.Event.Kind()
}
