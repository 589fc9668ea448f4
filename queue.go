package seamstress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
)

// ErrNilEvent is returned when a nil Event is pushed.
var ErrNilEvent = errors.New("seamstress: nil event")

// compactThreshold bounds how many consumed slots the buffer keeps before
// sliding the live region back to the front.
const compactThreshold = 1024

// Queue is the multi-producer, single-consumer event channel.
//
// Any number of goroutines may Push concurrently; exactly one goroutine (the
// dispatcher) may Pop. Accepted events are delivered in a single global FIFO
// order. Pushes never wait on the consumer: they fail fast with ErrQueueClosed
// after Close/Seal, or ErrQueueFull when a bounded queue is at capacity.
type Queue struct {
	clock    xclock.Clock
	capacity int

	mu     sync.Mutex
	buf    []Envelope
	head   int
	staged []Envelope
	held   bool
	closed bool
	seq    uint64

	// ready carries at most one wake-up token for the consumer.
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	metrics queueMetrics
}

type queueMetrics struct {
	pushed   atomic.Uint64
	popped   atomic.Uint64
	rejected atomic.Uint64
}

// QueueStats is a point-in-time snapshot of queue telemetry.
type QueueStats struct {
	Pushed   uint64
	Popped   uint64
	Rejected uint64
	Depth    int
	Staged   int
	Closed   bool
}

// NewQueue creates a queue. capacity <= 0 means unbounded.
func NewQueue(clock xclock.Clock, capacity int) *Queue {
	if clock == nil {
		clock = xclock.Default()
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		clock:    clock,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues ev on behalf of source. While the queue is held the event is
// staged and only becomes visible to the consumer on Release. Pushing a
// Shutdown seals the queue.
func (q *Queue) Push(source string, ev Event) (Envelope, error) {
	return q.push(source, ev, false)
}

// pushDirect enqueues ev ahead of anything staged by a Hold.
func (q *Queue) pushDirect(source string, ev Event) (Envelope, error) {
	return q.push(source, ev, true)
}

func (q *Queue) push(source string, ev Event, direct bool) (Envelope, error) {
	if ev == nil {
		q.metrics.rejected.Add(1)
		return Envelope{}, ErrNilEvent
	}
	if sd, ok := ev.(Shutdown); ok {
		return q.Seal(source, sd)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.rejected.Add(1)
		return Envelope{}, ErrQueueClosed
	}
	if q.capacity > 0 && q.pendingLocked() >= q.capacity {
		q.mu.Unlock()
		q.metrics.rejected.Add(1)
		return Envelope{}, ErrQueueFull
	}

	env := Envelope{Source: source, ProducedAt: q.clock.Now(), Event: ev}
	if q.held && !direct {
		q.staged = append(q.staged, env)
		q.mu.Unlock()
		q.metrics.pushed.Add(1)
		return env, nil
	}
	q.appendLocked(&env)
	q.mu.Unlock()

	q.metrics.pushed.Add(1)
	q.wake()
	return env, nil
}

// Seal atomically appends a Shutdown event and closes the queue, so that the
// Shutdown is the last event the consumer sees. Only the first Seal succeeds.
func (q *Queue) Seal(source string, sd Shutdown) (Envelope, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.rejected.Add(1)
		return Envelope{}, ErrQueueClosed
	}
	q.flushStagedLocked()
	env := Envelope{Source: source, ProducedAt: q.clock.Now(), Event: sd}
	q.appendLocked(&env)
	q.closed = true
	q.mu.Unlock()

	q.metrics.pushed.Add(1)
	q.closeDone()
	q.wake()
	return env, nil
}

// Close stops accepting pushes and wakes a blocked Pop. Events already
// accepted (including staged ones) remain poppable. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.flushStagedLocked()
		q.closed = true
	}
	q.mu.Unlock()
	q.closeDone()
	q.wake()
}

// Closed reports whether the queue stopped accepting pushes.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Hold stages subsequent producer pushes until Release.
func (q *Queue) Hold() {
	q.mu.Lock()
	if !q.closed {
		q.held = true
	}
	q.mu.Unlock()
}

// Release appends staged events, in push order, behind everything already
// enqueued and ends the hold.
func (q *Queue) Release() {
	q.mu.Lock()
	moved := q.flushStagedLocked()
	q.held = false
	q.mu.Unlock()
	if moved > 0 {
		q.wake()
	}
}

// Pop blocks until an event is available, the queue is closed and empty
// (ErrQueueClosed), or ctx ends. Only the dispatcher may call Pop.
func (q *Queue) Pop(ctx context.Context) (Envelope, error) {
	for {
		q.mu.Lock()
		env, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			q.metrics.popped.Add(1)
			return env, nil
		}
		if closed {
			return Envelope{}, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// TryPop returns the next event without blocking.
func (q *Queue) TryPop() (Envelope, bool) {
	q.mu.Lock()
	env, ok := q.popLocked()
	q.mu.Unlock()
	if ok {
		q.metrics.popped.Add(1)
	}
	return env, ok
}

// Discard drops every pending event and returns how many were dropped.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.pendingLocked()
	clear(q.buf)
	q.buf = q.buf[:0]
	q.head = 0
	clear(q.staged)
	q.staged = q.staged[:0]
	return n
}

// Len returns the number of events visible to the consumer.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// Stats returns current queue telemetry.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	depth := len(q.buf) - q.head
	staged := len(q.staged)
	closed := q.closed
	q.mu.Unlock()

	return QueueStats{
		Pushed:   q.metrics.pushed.Load(),
		Popped:   q.metrics.popped.Load(),
		Rejected: q.metrics.rejected.Load(),
		Depth:    depth,
		Staged:   staged,
		Closed:   closed,
	}
}

func (q *Queue) pendingLocked() int {
	return len(q.buf) - q.head + len(q.staged)
}

func (q *Queue) appendLocked(env *Envelope) {
	q.seq++
	env.Seq = q.seq
	q.buf = append(q.buf, *env)
}

func (q *Queue) flushStagedLocked() int {
	n := len(q.staged)
	for i := range q.staged {
		q.appendLocked(&q.staged[i])
	}
	clear(q.staged)
	q.staged = q.staged[:0]
	return n
}

func (q *Queue) popLocked() (Envelope, bool) {
	if q.head >= len(q.buf) {
		return Envelope{}, false
	}
	env := q.buf[q.head]
	q.buf[q.head] = Envelope{}
	q.head++

	switch {
	case q.head == len(q.buf):
		q.buf = q.buf[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.buf):
		n := copy(q.buf, q.buf[q.head:])
		clear(q.buf[n:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	return env, true
}

func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) closeDone() {
	q.closeOnce.Do(func() { close(q.done) })
}
