package seamstress

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Dispatcher is the single consumer of the event queue. It hands each event
// to the handler chain on the goroutine that called Run and waits for it to
// return before popping the next, so a non-reentrant engine is only ever
// entered from one place.
type Dispatcher struct {
	queue   *Queue
	handler Handler
	logger  *xlog.Logger
	clock   xclock.Clock
	notify  func(Telemetry)

	// devices is only touched from the dispatching goroutine.
	devices   map[string]DeviceAdded
	connected atomic.Int64

	shutdown atomic.Pointer[Shutdown]
	metrics  dispatchMetrics
}

type dispatchMetrics struct {
	dispatched   atomic.Uint64
	failures     atomic.Uint64
	discarded    atomic.Uint64
	handlerNanos atomic.Int64
}

// NewDispatcher wires a dispatcher over q. notify may be nil.
func NewDispatcher(q *Queue, h Handler, logger *xlog.Logger, clock xclock.Clock, notify func(Telemetry)) *Dispatcher {
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Dispatcher{
		queue:   q,
		handler: h,
		logger:  logger,
		clock:   clock,
		notify:  notify,
		devices: make(map[string]DeviceAdded),
	}
}

// Run pops and handles events until a Shutdown is popped or the queue is
// closed and empty. Handler failures never end the loop. Run returns ctx's
// error only if ctx ends first.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		env, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		if d.handleOrStop(ctx, env) {
			d.discardRest()
			return nil
		}
	}
}

// DrainPending handles everything already visible in the queue without
// blocking. It reports how many events were handled and whether a Shutdown
// was among them, in which case the caller must not enter Run.
func (d *Dispatcher) DrainPending(ctx context.Context) (int, bool) {
	n := 0
	for {
		env, ok := d.queue.TryPop()
		if !ok {
			return n, false
		}
		if d.handleOrStop(ctx, env) {
			d.discardRest()
			return n, true
		}
		n++
	}
}

// ShutdownReason returns the reason carried by the dispatched Shutdown event.
func (d *Dispatcher) ShutdownReason() (string, bool) {
	if sd := d.shutdown.Load(); sd != nil {
		return sd.Reason, true
	}
	return "", false
}

// ConnectedDevices is the number of devices announced and not yet removed.
func (d *Dispatcher) ConnectedDevices() int { return int(d.connected.Load()) }

func (d *Dispatcher) handleOrStop(ctx context.Context, env Envelope) bool {
	if sd, ok := env.Event.(Shutdown); ok {
		d.shutdown.Store(&sd)
		d.logger.Info().Str("reason", sd.Reason).Str("source", env.Source).Msg("seamstress: shutdown received")
		return true
	}
	d.track(env.Event)

	start := d.clock.Now()
	err := d.handler(ctx, env)
	took := d.clock.Since(start)

	d.metrics.dispatched.Add(1)
	d.recordHandlerTime(int64(took))

	if err != nil {
		d.metrics.failures.Add(1)
		herr := &HandlerError{Seq: env.Seq, Kind: env.Kind(), Err: err}
		d.logger.Warn().
			Err(herr).
			Str("kind", env.Kind().String()).
			Str("source", env.Source).
			Msg("seamstress: handler failed")
		d.emit(Telemetry{Type: TelemetryHandlerFailed, Source: env.Source, Seq: env.Seq, EventKind: env.Kind(), Duration: took, Err: herr})
		return false
	}
	d.emit(Telemetry{Type: TelemetryDispatched, Source: env.Source, Seq: env.Seq, EventKind: env.Kind(), Duration: took})
	return false
}

func (d *Dispatcher) track(ev Event) {
	switch e := ev.(type) {
	case DeviceAdded:
		if _, ok := d.devices[e.DeviceID]; !ok {
			d.connected.Add(1)
		}
		d.devices[e.DeviceID] = e
	case DeviceRemoved:
		if _, ok := d.devices[e.DeviceID]; ok {
			delete(d.devices, e.DeviceID)
			d.connected.Add(-1)
		}
	}
}

// discardRest drops whatever is left behind a Shutdown. A sealed queue never
// has anything behind it; this covers a Close racing the Shutdown pop.
func (d *Dispatcher) discardRest() {
	n := d.queue.Discard()
	d.recordDiscard(n)
}

func (d *Dispatcher) recordDiscard(n int) {
	if n <= 0 {
		return
	}
	d.metrics.discarded.Add(uint64(n))
	d.logger.Warn().Str("count", strconv.Itoa(n)).Msg("seamstress: discarded events after shutdown")
	d.emit(Telemetry{Type: TelemetryEventsDiscarded, Count: n})
}

func (d *Dispatcher) emit(t Telemetry) {
	if d.notify != nil {
		d.notify(t)
	}
}

// recordHandlerTime keeps an exponential moving average of callback time.
// Only the dispatching goroutine writes it.
func (d *Dispatcher) recordHandlerTime(ns int64) {
	const alpha = 0.2
	current := d.metrics.handlerNanos.Load()
	if current == 0 {
		d.metrics.handlerNanos.Store(ns)
		return
	}
	d.metrics.handlerNanos.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

func (d *Dispatcher) avgHandlerTime() time.Duration {
	return time.Duration(d.metrics.handlerNanos.Load())
}
