package seamstress

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Runtime is the central Facade: it owns the queue, the producers and the
// lifecycle, and drives the engine from a single dispatcher loop.
type Runtime struct {
	session       string
	logger        *xlog.Logger
	clock         xclock.Clock
	engine        Engine
	producers     []Producer
	collaborators []Collaborator
	middlewares   []Middleware

	queueCapacity int
	stopGrace     time.Duration
	slowHandler   time.Duration

	state *StateMachine
	ran   atomic.Bool

	// mu guards queue creation against RequestShutdown.
	mu              sync.Mutex
	queue           *Queue
	pendingShutdown *Shutdown
	dispatcher      atomic.Pointer[Dispatcher]

	observersMu  sync.RWMutex
	observers    []Observer
	observerPool *ObserverPool
	ownsPool     bool

	metrics runtimeMetrics
}

type runtimeMetrics struct {
	stopTimeouts atomic.Uint64
	discarded    atomic.Uint64
	started      atomic.Int64
}

// Session returns the id used to tag this runtime's logs and health reports.
func (r *Runtime) Session() string { return r.session }

// State returns the current lifecycle phase.
func (r *Runtime) State() State { return r.state.State() }

// Run brings the runtime up, dispatches events until a Shutdown is handled,
// and tears everything down in reverse order. It blocks until Terminated.
// Only an init failure is returned; it wraps ErrInitFailure.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: runtime already ran", ErrInvalidTransition)
	}
	if !activeRuntime.CompareAndSwap(nil, r) {
		// Refused before anything was touched, so it may run later.
		r.ran.Store(false)
		return ErrRuntimeActive
	}
	defer activeRuntime.CompareAndSwap(r, nil)
	defer r.closeObserverPool()

	// Handlers and teardown must outlive a canceled caller context; the
	// cancellation itself is turned into a Shutdown event below.
	baseCtx := InjectAll(context.WithoutCancel(ctx), r.logger, r.clock, r.state)

	lc := r.lifecycle()
	if err := lc.Init(baseCtx); err != nil {
		r.logger.Error().Err(err).Msg("seamstress: init failed")
		r.finish(StateShuttingDown)
		r.finish(StateTerminated)
		return err
	}
	if err := r.state.Transition(StateInitialized); err != nil {
		r.logger.Error().Err(err).Msg("seamstress: invalid state")
		r.finish(StateShuttingDown)
		_ = lc.Deinit(baseCtx)
		r.finish(StateTerminated)
		return &InitError{Step: "lifecycle", Err: err}
	}

	q := r.queue
	d := NewDispatcher(q, r.handler(), r.logger, r.clock, r.notifyAsync)
	r.dispatcher.Store(d)

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = r.RequestShutdown("context canceled")
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	prodCtx, forceStop := context.WithCancel(baseCtx)
	defer forceStop()

	started, err := r.startup(baseCtx, prodCtx, q)
	if err != nil {
		r.logger.Error().Err(err).Msg("seamstress: startup failed")
		r.teardown(baseCtx, lc, q, d, started, forceStop)
		return err
	}

	if err := r.state.Transition(StateRunning); err != nil {
		r.logger.Error().Err(err).Msg("seamstress: invalid state")
	}

	r.logger.Info().Msg("seamstress: handling events")
	_, stopped := d.DrainPending(baseCtx)
	if !stopped {
		r.logger.Info().Msg("seamstress: starting main loop")
		if err := d.Run(baseCtx); err != nil {
			r.logger.Warn().Err(err).Msg("seamstress: dispatcher stopped")
		}
	}

	r.teardown(baseCtx, lc, q, d, started, forceStop)
	return nil
}

// startup starts producers while the queue is held, runs the engine's
// startup callback, then scans devices so their DeviceAdded events precede
// anything the producers emitted meanwhile.
func (r *Runtime) startup(ctx, prodCtx context.Context, q *Queue) ([]Producer, error) {
	var started []Producer

	q.Hold()
	defer q.Release()

	for _, p := range r.producers {
		if err := p.Start(prodCtx, r.emitterFor(p.Name(), q)); err != nil {
			return started, &InitError{Step: p.Name(), Err: err}
		}
		started = append(started, p)
		r.metrics.started.Add(1)
	}

	r.logger.Info().Msg("seamstress: spinning spindle")
	if err := r.engine.Startup(ctx, r.emitterFor("spindle", q)); err != nil {
		return started, &InitError{Step: "spindle", Err: err}
	}

	r.logger.Info().Msg("seamstress: scanning for devices")
	for _, p := range r.producers {
		sc, ok := p.(Scanner)
		if !ok {
			continue
		}
		devices, err := sc.Scan(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("producer", p.Name()).Msg("seamstress: device scan failed")
			continue
		}
		for _, desc := range devices {
			if _, err := q.pushDirect(p.Name(), desc.Added()); err != nil {
				r.rejected(p.Name(), desc.Added(), err)
			}
		}
	}
	return started, nil
}

// teardown closes the queue, stops producers newest first, discards what is
// left, and deinitializes every step in reverse.
func (r *Runtime) teardown(ctx context.Context, lc *Lifecycle, q *Queue, d *Dispatcher, started []Producer, forceStop context.CancelFunc) {
	r.finish(StateShuttingDown)
	if reason, ok := d.ShutdownReason(); ok {
		r.logger.Info().Str("reason", reason).Msg("seamstress: shutting down")
	} else {
		r.logger.Info().Msg("seamstress: shutting down")
	}

	q.Close()
	for i := len(started) - 1; i >= 0; i-- {
		r.stopProducer(ctx, started[i])
	}
	forceStop()

	d.recordDiscard(q.Discard())

	if err := lc.Deinit(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("seamstress: deinit reported errors")
	}
	r.finish(StateTerminated)
	r.logger.Info().Msg("seamstress: shutdown complete")
}

// stopProducer bounds p.Stop by the grace period. A producer that overruns
// is abandoned: its emitter already fails fast on the closed queue.
func (r *Runtime) stopProducer(ctx context.Context, p Producer) {
	sctx, cancel := context.WithTimeout(ctx, r.stopGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Stop(sctx) }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn().Err(err).Str("producer", p.Name()).Msg("seamstress: producer stop failed")
		}
	case <-sctx.Done():
		err := &StopTimeoutError{Producer: p.Name(), Grace: r.stopGrace}
		r.metrics.stopTimeouts.Add(1)
		r.logger.Warn().Err(err).Str("producer", p.Name()).Msg("seamstress: abandoning producer")
		r.notifyAsync(Telemetry{Type: TelemetryStopTimeout, Source: p.Name(), Duration: r.stopGrace, Err: err})
	}
	r.metrics.started.Add(-1)
}

// RequestShutdown seals the queue with a Shutdown event. It is safe from any
// goroutine, including signal handlers, and may be called before Run; the
// Shutdown is then delivered as soon as the queue exists. Later calls are
// no-ops that return ErrQueueClosed.
func (r *Runtime) RequestShutdown(reason string) error {
	r.mu.Lock()
	q := r.queue
	if q == nil {
		if r.pendingShutdown != nil {
			r.mu.Unlock()
			return ErrQueueClosed
		}
		r.pendingShutdown = &Shutdown{Reason: reason}
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err := q.Seal("runtime", Shutdown{Reason: reason})
	return err
}

// lifecycle orders init as queue, engine, producers by role, then
// collaborators.
func (r *Runtime) lifecycle() *Lifecycle {
	lc := NewLifecycle(r.stepHook)
	lc.Add(r.announce(Step{
		Name:   "event handler",
		Init:   r.initQueue,
		Deinit: r.deinitQueue,
	}))
	lc.Add(r.announce(Step{
		Name:   "spindle",
		Init:   r.engine.Init,
		Deinit: r.engine.Deinit,
	}))
	for _, p := range r.producers {
		lc.Add(r.announce(StepFor(p)))
	}
	for _, c := range r.collaborators {
		lc.Add(r.announce(StepFor(c)))
	}
	return lc
}

// announce logs the step name before its Init runs.
func (r *Runtime) announce(s Step) Step {
	init := s.Init
	s.Init = func(ctx context.Context) error {
		r.logger.Info().Msg("seamstress: starting " + s.Name)
		if init == nil {
			return nil
		}
		return init(ctx)
	}
	return s
}

func (r *Runtime) initQueue(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = NewQueue(r.clock, r.queueCapacity)
	if r.pendingShutdown != nil {
		_, err := r.queue.Seal("runtime", *r.pendingShutdown)
		return err
	}
	return nil
}

func (r *Runtime) deinitQueue(context.Context) error {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		return nil
	}
	q.Close()
	if n := q.Discard(); n > 0 {
		r.metrics.discarded.Add(uint64(n))
		r.logger.Warn().Str("count", strconv.Itoa(n)).Msg("seamstress: discarded events at teardown")
	}
	return nil
}

// handler is the engine behind the configured middleware, with panic
// recovery innermost so a panicking callback still reports through the chain.
func (r *Runtime) handler() Handler {
	base := RecoveryMiddleware()(func(ctx context.Context, env Envelope) error {
		return r.engine.Handle(ctx, env.Event)
	})
	mws := make([]Middleware, 0, len(r.middlewares)+1)
	mws = append(mws, r.middlewares...)
	mws = append(mws, SlowHandlerMiddleware(r.slowHandler, r.clock, func(env Envelope, took time.Duration) {
		r.logger.Warn().
			Dur("took", took).
			Str("kind", env.Kind().String()).
			Str("source", env.Source).
			Msg("seamstress: slow callback")
	}))
	return Chain(base, mws...)
}

// emitterFor tags pushes with source and reports rejections.
func (r *Runtime) emitterFor(source string, q *Queue) Emitter {
	return EmitterFunc(func(ev Event) error {
		_, err := q.Push(source, ev)
		if err != nil {
			r.rejected(source, ev, err)
		}
		return err
	})
}

// rejected records a failed push. ev is nil when a producer emitted nil.
func (r *Runtime) rejected(source string, ev Event, err error) {
	var kind Kind
	if ev != nil {
		kind = ev.Kind()
	}
	r.logger.Debug().Err(err).Str("source", source).Str("kind", kind.String()).Msg("seamstress: event rejected")
	r.notifyAsync(Telemetry{Type: TelemetryPushRejected, Source: source, EventKind: kind, Err: err})
}

func (r *Runtime) stepHook(t TelemetryType, step string, err error) {
	r.notifyAsync(Telemetry{Type: t, Source: step, Err: err})
}

// finish moves to a teardown state, ignoring a transition that already happened.
func (r *Runtime) finish(to State) {
	if err := r.state.Transition(to); err != nil && r.state.State() != to {
		r.logger.Warn().Err(err).Msg("seamstress: invalid state")
	}
}

func (r *Runtime) onStateChange(from, to State) {
	r.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("seamstress: state changed")
	r.notifyAsync(Telemetry{Type: TelemetryStateChanged, From: from, To: to})
}

// Stats returns a snapshot of runtime telemetry.
func (r *Runtime) Stats() Stats {
	s := Stats{
		State:        r.State(),
		StopTimeouts: r.metrics.stopTimeouts.Load(),
		Discarded:    r.metrics.discarded.Load(),
		Producers:    int(r.metrics.started.Load()),
	}
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q != nil {
		s.Queue = q.Stats()
	}
	if d := r.dispatcher.Load(); d != nil {
		s.Dispatched = d.metrics.dispatched.Load()
		s.HandlerFailures = d.metrics.failures.Load()
		s.Discarded += d.metrics.discarded.Load()
		s.AvgHandlerTimeMs = float64(d.avgHandlerTime()) / float64(time.Millisecond)
		s.ConnectedDevices = d.ConnectedDevices()
	}
	if r.observerPool != nil {
		s.TelemetryDropped = r.observerPool.Stats().Dropped
	}
	return s
}

// Health reports runtime health for liveness checks. A runtime is degraded when more
// than 5% of dispatched callbacks failed or a producer had to be abandoned.
func (r *Runtime) Health(ctx context.Context) HealthStatus {
	stats := r.Stats()
	hs := HealthStatus{
		Status:    "healthy",
		Session:   r.session,
		State:     stats.State,
		Stats:     stats,
		Timestamp: r.clock.Now(),
	}

	switch stats.State {
	case StateUninitialized, StateInitialized:
		hs.Status = "unhealthy"
		hs.Message = "runtime is not running"
		return hs
	case StateShuttingDown, StateTerminated:
		hs.Status = "unhealthy"
		hs.Message = "runtime is " + stats.State.String()
		return hs
	}

	if stats.HandlerFailures > 0 && stats.Dispatched > 0 {
		if float64(stats.HandlerFailures)/float64(stats.Dispatched) > 0.05 {
			hs.Status = "degraded"
			hs.Message = "callback failure rate above 5%"
		}
	}
	if stats.StopTimeouts > 0 {
		hs.Status = "degraded"
		hs.Message = "producer abandoned"
	}
	return hs
}

// AddObserver registers an observer (thread-safe).
func (r *Runtime) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	r.observers = append(r.observers, obs)
	r.observersMu.Unlock()
}

// RemoveObserver removes an observer. obs must be of a comparable type;
// ObserverFunc values cannot be removed.
func (r *Runtime) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	for i, o := range r.observers {
		if o == obs {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands telemetry to the observer pool, or delivers it inline
// when no pool is configured.
func (r *Runtime) notifyAsync(t Telemetry) {
	r.observersMu.RLock()
	if len(r.observers) == 0 {
		r.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	if r.observerPool != nil {
		r.observerPool.Notify(t, observers)
		return
	}
	for _, o := range observers {
		o.OnTelemetry(t)
	}
}

func (r *Runtime) closeObserverPool() {
	if r.observerPool == nil || !r.ownsPool {
		return
	}
	if err := r.observerPool.Close(time.Second); err != nil {
		r.logger.Warn().Err(err).Msg("seamstress: observer pool close")
	}
}
