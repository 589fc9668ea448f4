package seamstress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/adapter/memory"
)

// fakeEngine records every callback. It is only entered from the runtime's
// dispatching goroutine; the mutex is for the test's reads.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	events   []seamstress.Event
	emit     seamstress.Emitter
	initErr  error
	onStart  func(emit seamstress.Emitter) error
	onHandle func(ev seamstress.Event, emit seamstress.Emitter) error
}

func (e *fakeEngine) Init(context.Context) error {
	e.record("init")
	return e.initErr
}

func (e *fakeEngine) Startup(_ context.Context, emit seamstress.Emitter) error {
	e.record("startup")
	e.mu.Lock()
	e.emit = emit
	e.mu.Unlock()
	if e.onStart != nil {
		return e.onStart(emit)
	}
	return nil
}

func (e *fakeEngine) Handle(_ context.Context, ev seamstress.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	emit := e.emit
	e.mu.Unlock()
	if e.onHandle != nil {
		return e.onHandle(ev, emit)
	}
	return nil
}

func (e *fakeEngine) Deinit(context.Context) error {
	e.record("deinit")
	return nil
}

func (e *fakeEngine) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, s)
}

func (e *fakeEngine) kinds() []seamstress.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]seamstress.Kind, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind()
	}
	return out
}

func (e *fakeEngine) handled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func quitOn(k seamstress.Kind) func(seamstress.Event, seamstress.Emitter) error {
	return func(ev seamstress.Event, emit seamstress.Emitter) error {
		if ev.Kind() == k {
			return emit.Emit(seamstress.Shutdown{Reason: "done"})
		}
		return nil
	}
}

func build(t *testing.T, e seamstress.Engine, init func(b *seamstress.RuntimeBuilder)) *seamstress.Runtime {
	t.Helper()
	rt, err := seamstress.New(func(b *seamstress.RuntimeBuilder) {
		b.WithEngine(e).WithObserverPoolSize(0, 0)
		if init != nil {
			init(b)
		}
	})
	require.NoError(t, err)
	return rt
}

func runAsync(rt *seamstress.Runtime, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not terminate")
		return nil
	}
}

func TestRuntime_ScanPrecedesEarlyInput(t *testing.T) {
	eng := &fakeEngine{onHandle: quitOn(seamstress.KindDeviceInput)}
	monitor := memory.New(memory.Config{
		Name:    "devices",
		Role:    seamstress.RoleDeviceMonitor,
		Devices: []seamstress.DeviceDescriptor{{ID: "grid", Kind: "midi"}, {ID: "arc", Kind: "hid"}},
	})
	input := memory.New(memory.Config{
		Name:    "input",
		Role:    seamstress.RoleInput,
		Initial: []seamstress.Event{seamstress.DeviceInput{DeviceID: "stdin", Payload: []byte("x")}},
	})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(input, monitor) })

	require.NoError(t, rt.Run(context.Background()))
	assert.Equal(t, []seamstress.Kind{
		seamstress.KindDeviceAdded,
		seamstress.KindDeviceAdded,
		seamstress.KindDeviceInput,
	}, eng.kinds())
	assert.Equal(t, []string{"init", "startup", "deinit"}, eng.calls)
	assert.Equal(t, seamstress.StateTerminated, rt.State())
	assert.Equal(t, 2, rt.Stats().ConnectedDevices)
}

func TestRuntime_ShutdownAfterQueuedEvents(t *testing.T) {
	eng := &fakeEngine{onStart: func(emit seamstress.Emitter) error {
		for range 5 {
			if err := emit.Emit(seamstress.Signal{Name: "tick"}); err != nil {
				return err
			}
		}
		return emit.Emit(seamstress.Shutdown{Reason: "quit"})
	}}
	late := memory.New(memory.Config{Name: "late"})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(late) })

	require.NoError(t, rt.Run(context.Background()))
	assert.Equal(t, 5, eng.handled())
	assert.ErrorIs(t, late.Inject(seamstress.Timer{}), memory.ErrNotStarted)

	stats := rt.Stats()
	assert.Equal(t, uint64(5), stats.Dispatched)
	assert.Equal(t, 0, stats.Producers)
}

func TestRuntime_EventsAfterShutdownAreRejected(t *testing.T) {
	var emitErr error
	eng := &fakeEngine{onHandle: func(ev seamstress.Event, emit seamstress.Emitter) error {
		if err := emit.Emit(seamstress.Shutdown{Reason: "first"}); err != nil {
			return err
		}
		emitErr = emit.Emit(seamstress.Signal{Name: "too late"})
		return nil
	}}
	src := memory.New(memory.Config{Initial: []seamstress.Event{seamstress.Timer{Tick: 1}}})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(src) })

	require.NoError(t, rt.Run(context.Background()))
	assert.ErrorIs(t, emitErr, seamstress.ErrQueueClosed)
	assert.Equal(t, 1, eng.handled())
	assert.ErrorIs(t, rt.RequestShutdown("again"), seamstress.ErrQueueClosed)
}

func TestRuntime_NilEventIsRejected(t *testing.T) {
	var (
		mu       sync.Mutex
		rejected []seamstress.Telemetry
		startErr error
	)
	obs := seamstress.ObserverFunc(func(tm seamstress.Telemetry) {
		if tm.Type == seamstress.TelemetryPushRejected {
			mu.Lock()
			rejected = append(rejected, tm)
			mu.Unlock()
		}
	})
	eng := &fakeEngine{onStart: func(emit seamstress.Emitter) error {
		startErr = emit.Emit(nil)
		return emit.Emit(seamstress.Shutdown{Reason: "done"})
	}}
	src := memory.New(memory.Config{Name: "nil", Initial: []seamstress.Event{nil}})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(src).WithObserver(obs) })

	require.NoError(t, rt.Run(context.Background()))
	assert.ErrorIs(t, startErr, seamstress.ErrNilEvent)
	assert.Equal(t, uint64(1), src.Stats().Rejected)
	assert.Equal(t, uint64(2), rt.Stats().Queue.Rejected)
	assert.Equal(t, seamstress.StateTerminated, rt.State())
	assert.Zero(t, eng.handled())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rejected, 2)
	for _, tm := range rejected {
		assert.ErrorIs(t, tm.Err, seamstress.ErrNilEvent)
		assert.Equal(t, seamstress.Kind(0), tm.EventKind)
	}
	assert.Equal(t, "nil", rejected[0].Source)
	assert.Equal(t, "spindle", rejected[1].Source)
}

func TestRuntime_RequestShutdownBeforeRun(t *testing.T) {
	eng := &fakeEngine{}
	rt := build(t, eng, nil)
	require.NoError(t, rt.RequestShutdown("early"))
	assert.ErrorIs(t, rt.RequestShutdown("twice"), seamstress.ErrQueueClosed)

	require.NoError(t, rt.Run(context.Background()))
	assert.Zero(t, eng.handled())
	assert.Equal(t, []string{"init", "startup", "deinit"}, eng.calls)
}

func TestRuntime_InitFailureUnwindsInReverse(t *testing.T) {
	var mu sync.Mutex
	var order []string
	track := func(s string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
			return nil
		}
	}
	bindErr := errors.New("address already in use")

	monitor := memory.New(memory.Config{Name: "devices", Role: seamstress.RoleDeviceMonitor},
		memory.WithInitHook(track("init devices")), memory.WithDeinitHook(track("deinit devices")))
	network := memory.New(memory.Config{Name: "osc", Role: seamstress.RoleNetwork},
		memory.WithInitHook(func(context.Context) error { return bindErr }),
		memory.WithDeinitHook(track("deinit osc")))
	input := memory.New(memory.Config{Name: "input", Role: seamstress.RoleInput},
		memory.WithInitHook(track("init input")))

	eng := &fakeEngine{}
	var tel []seamstress.Telemetry
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) {
		b.WithProducer(input, network, monitor).
			WithObserver(seamstress.ObserverFunc(func(x seamstress.Telemetry) { tel = append(tel, x) }))
	})

	err := rt.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, seamstress.ErrInitFailure)
	assert.ErrorIs(t, err, bindErr)

	var ie *seamstress.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "osc", ie.Step)

	assert.Equal(t, []string{"init devices", "deinit devices"}, order)
	assert.Equal(t, []string{"init", "deinit"}, eng.calls)
	assert.Equal(t, seamstress.StateTerminated, rt.State())

	var states []seamstress.State
	for _, x := range tel {
		if x.Type == seamstress.TelemetryStateChanged {
			states = append(states, x.To)
		}
	}
	assert.Equal(t, []seamstress.State{seamstress.StateShuttingDown, seamstress.StateTerminated}, states)
}

func TestRuntime_StartupFailureTearsDown(t *testing.T) {
	eng := &fakeEngine{onStart: func(seamstress.Emitter) error { return errors.New("syntax error in script") }}
	src := memory.New(memory.Config{})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(src) })

	err := rt.Run(context.Background())
	assert.ErrorIs(t, err, seamstress.ErrInitFailure)
	assert.Equal(t, []string{"init", "startup", "deinit"}, eng.calls)
	assert.ErrorIs(t, src.Inject(seamstress.Timer{}), memory.ErrNotStarted)
}

func TestRuntime_AbandonsProducerPastGrace(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := memory.New(memory.Config{Name: "stuck", Initial: []seamstress.Event{seamstress.Timer{}}},
		memory.WithStopHook(func(context.Context) error {
			<-release
			return nil
		}))
	eng := &fakeEngine{onHandle: quitOn(seamstress.KindTimer)}

	var mu sync.Mutex
	var timeouts []seamstress.Telemetry
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) {
		b.WithProducer(stuck).
			WithStopGrace(20 * time.Millisecond).
			WithObserver(seamstress.ObserverFunc(func(x seamstress.Telemetry) {
				if x.Type == seamstress.TelemetryStopTimeout {
					mu.Lock()
					timeouts = append(timeouts, x)
					mu.Unlock()
				}
			}))
	})

	start := time.Now()
	require.NoError(t, waitRun(t, runAsync(rt, context.Background())))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, uint64(1), rt.Stats().StopTimeouts)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timeouts, 1)
	assert.Equal(t, "stuck", timeouts[0].Source)
	assert.ErrorIs(t, timeouts[0].Err, seamstress.ErrShutdownTimeout)
}

func TestRuntime_ContextCancelShutsDown(t *testing.T) {
	eng := &fakeEngine{}
	src := memory.New(memory.Config{})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(src) })

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(rt, ctx)
	require.Eventually(t, func() bool { return rt.State() == seamstress.StateRunning }, 2*time.Second, time.Millisecond)

	require.NoError(t, src.Inject(seamstress.Signal{Name: "a"}))
	require.Eventually(t, func() bool { return eng.handled() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, seamstress.StateTerminated, rt.State())
}

func TestRuntime_HotPlugAndHealth(t *testing.T) {
	eng := &fakeEngine{onHandle: func(ev seamstress.Event, _ seamstress.Emitter) error {
		if s, ok := ev.(seamstress.Signal); ok && s.Name == "bad" {
			return errors.New("attempt to index a nil value")
		}
		return nil
	}}
	mon := memory.New(memory.Config{Name: "devices", Role: seamstress.RoleDeviceMonitor, Scanner: true})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(mon) })

	hs := rt.Health(context.Background())
	assert.Equal(t, "unhealthy", hs.Status)

	done := runAsync(rt, context.Background())
	require.Eventually(t, func() bool { return rt.State() == seamstress.StateRunning }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "healthy", rt.Health(context.Background()).Status)

	require.NoError(t, mon.Plug(seamstress.DeviceDescriptor{ID: "grid", Kind: "midi"}))
	require.NoError(t, mon.Plug(seamstress.DeviceDescriptor{ID: "arc", Kind: "midi"}))
	require.NoError(t, mon.Unplug("grid"))
	require.NoError(t, mon.Inject(seamstress.Signal{Name: "bad"}))
	require.Eventually(t, func() bool { return eng.handled() == 4 }, 2*time.Second, time.Millisecond)

	stats := rt.Stats()
	assert.Equal(t, 1, stats.ConnectedDevices)
	assert.Equal(t, uint64(1), stats.HandlerFailures)
	hs = rt.Health(context.Background())
	assert.Equal(t, "degraded", hs.Status)
	assert.Equal(t, rt.Session(), hs.Session)

	require.NoError(t, rt.RequestShutdown("test"))
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, "unhealthy", rt.Health(context.Background()).Status)
}

func TestRuntime_HandlerPanicIsRecovered(t *testing.T) {
	eng := &fakeEngine{onHandle: func(ev seamstress.Event, emit seamstress.Emitter) error {
		if tm, ok := ev.(seamstress.Timer); ok && tm.Tick == 1 {
			panic("callback exploded")
		}
		return emit.Emit(seamstress.Shutdown{})
	}}
	src := memory.New(memory.Config{Initial: []seamstress.Event{seamstress.Timer{Tick: 1}, seamstress.Timer{Tick: 2}}})
	rt := build(t, eng, func(b *seamstress.RuntimeBuilder) { b.WithProducer(src) })

	require.NoError(t, rt.Run(context.Background()))
	assert.Equal(t, 2, eng.handled())
	assert.Equal(t, uint64(1), rt.Stats().HandlerFailures)
}

func TestRuntime_OnlyOneActive(t *testing.T) {
	first := build(t, &fakeEngine{}, func(b *seamstress.RuntimeBuilder) { b.WithProducer(memory.New(memory.Config{})) })
	done := runAsync(first, context.Background())
	require.Eventually(t, func() bool { return first.State() == seamstress.StateRunning }, 2*time.Second, time.Millisecond)
	assert.Same(t, first, seamstress.Active())

	second := build(t, &fakeEngine{onStart: func(emit seamstress.Emitter) error {
		return emit.Emit(seamstress.Shutdown{Reason: "second"})
	}}, nil)
	assert.ErrorIs(t, second.Run(context.Background()), seamstress.ErrRuntimeActive)
	assert.Equal(t, seamstress.StateUninitialized, second.State())

	require.NoError(t, seamstress.RequestShutdown("signal"))
	require.NoError(t, waitRun(t, done))

	// A refused runtime is untouched and can run once the slot is free.
	require.NoError(t, second.Run(context.Background()))
	assert.Equal(t, seamstress.StateTerminated, second.State())

	assert.Nil(t, seamstress.Active())
	assert.ErrorIs(t, seamstress.RequestShutdown("none"), seamstress.ErrNoActiveRuntime)
	assert.ErrorIs(t, first.Run(context.Background()), seamstress.ErrInvalidTransition)
}

func TestRun_Facade(t *testing.T) {
	eng := &fakeEngine{onStart: func(emit seamstress.Emitter) error {
		return emit.Emit(seamstress.Shutdown{})
	}}
	require.NoError(t, seamstress.Run(context.Background(), func(b *seamstress.RuntimeBuilder) {
		b.WithEngine(eng).WithSession("fixed")
	}))
	assert.Equal(t, []string{"init", "startup", "deinit"}, eng.calls)
}

func TestBuilder_Validation(t *testing.T) {
	_, err := seamstress.NewRuntimeBuilder().Build()
	assert.ErrorIs(t, err, seamstress.ErrNoEngine)

	_, err = seamstress.NewRuntimeBuilder().
		WithEngine(&fakeEngine{}).
		WithProducer(memory.New(memory.Config{Name: "x"}), memory.New(memory.Config{Name: "x"})).
		Build()
	assert.ErrorContains(t, err, `duplicate producer name "x"`)

	_, err = seamstress.NewRuntimeBuilder().
		WithEngine(&fakeEngine{}).
		WithProducerNamed("no-such-producer", nil).
		Build()
	var unknown seamstress.ErrUnknownProducer
	assert.ErrorAs(t, err, &unknown)

	rt, err := seamstress.NewRuntimeBuilder().
		WithEngine(&fakeEngine{}).
		WithProducerNamed(memory.ProducerName, map[string]any{"name": "injected", "role": "input"}).
		WithSession("s-1").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "s-1", rt.Session())
	assert.Contains(t, seamstress.RegisteredProducers(), memory.ProducerName)
}
