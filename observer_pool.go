package seamstress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers telemetry to observers off the dispatching goroutine,
// so a slow observer never delays the next callback. Notifications are
// dropped, and counted, when the buffer is full.
type ObserverPool struct {
	ch        chan *Telemetry
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of
// bufferSize notifications.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		ch:      make(chan *Telemetry, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}
	return op
}

// Notify queues t for the given observers and returns immediately.
func (op *ObserverPool) Notify(t Telemetry, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	t.observers = make([]Observer, len(observers))
	copy(t.observers, observers)

	select {
	case op.ch <- &t:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case t := <-op.ch:
					if t != nil {
						op.deliver(t)
					}
				default:
					return
				}
			}
		case t := <-op.ch:
			if t != nil {
				op.deliver(t)
			}
		}
	}
}

func (op *ObserverPool) deliver(t *Telemetry) {
	for _, obs := range t.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panics.Add(1)
				}
			}()
			obs.OnTelemetry(*t)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers after they drain the buffer, waiting at most timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.ch),
		Workers:      op.workers,
		BufferSize:   cap(op.ch),
	}
}
