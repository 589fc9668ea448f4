package seamstress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []Envelope
	tel []Telemetry
}

func (r *recorder) handle(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	if s, ok := env.Event.(Signal); ok && s.Name == "fail" {
		return errors.New("callback failed")
	}
	if s, ok := env.Event.(Signal); ok && s.Name == "panic" {
		panic("boom")
	}
	return nil
}

func (r *recorder) notify(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tel = append(r.tel, t)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.got))
	for i, env := range r.got {
		out[i] = env.Kind()
	}
	return out
}

func push(t *testing.T, q *Queue, events ...Event) {
	t.Helper()
	for _, ev := range events {
		_, err := q.Push("test", ev)
		require.NoError(t, err)
	}
}

func TestDispatcher_HandlerFailureIsIsolated(t *testing.T) {
	q := NewQueue(nil, 0)
	rec := &recorder{}
	d := NewDispatcher(q, Chain(rec.handle, RecoveryMiddleware()), nil, nil, rec.notify)

	push(t, q,
		Signal{Name: "fail"},
		Signal{Name: "panic"},
		Timer{Tick: 1},
		Shutdown{Reason: "done"},
	)
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, []Kind{KindSignal, KindSignal, KindTimer}, rec.kinds())
	reason, ok := d.ShutdownReason()
	assert.True(t, ok)
	assert.Equal(t, "done", reason)
	assert.Equal(t, uint64(3), d.metrics.dispatched.Load())
	assert.Equal(t, uint64(2), d.metrics.failures.Load())

	var failures []Telemetry
	for _, tel := range rec.tel {
		if tel.Type == TelemetryHandlerFailed {
			failures = append(failures, tel)
		}
	}
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0].Err, ErrHandlerFailure)
	var herr *HandlerError
	require.ErrorAs(t, failures[1].Err, &herr)
	assert.Equal(t, uint64(2), herr.Seq)
	assert.Contains(t, herr.Error(), "panic recovered")
}

func TestDispatcher_StopsAtShutdownAndDiscardsRest(t *testing.T) {
	q := NewQueue(nil, 0)
	rec := &recorder{}
	d := NewDispatcher(q, rec.handle, nil, nil, rec.notify)

	push(t, q, Timer{Tick: 1})
	// Simulate a close racing the Shutdown pop: events behind it.
	q.mu.Lock()
	for _, ev := range []Event{Shutdown{Reason: "x"}, Timer{Tick: 2}, Timer{Tick: 3}} {
		env := Envelope{Event: ev}
		q.appendLocked(&env)
	}
	q.mu.Unlock()

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, []Kind{KindTimer}, rec.kinds())
	assert.Equal(t, uint64(2), d.metrics.discarded.Load())
	assert.Equal(t, 0, q.Len())
}

func TestDispatcher_RunEndsOnClosedEmptyQueue(t *testing.T) {
	q := NewQueue(nil, 0)
	d := NewDispatcher(q, (&recorder{}).handle, nil, nil, nil)
	q.Close()
	assert.NoError(t, d.Run(context.Background()))
	_, ok := d.ShutdownReason()
	assert.False(t, ok)
}

func TestDispatcher_RunReturnsContextError(t *testing.T) {
	q := NewQueue(nil, 0)
	d := NewDispatcher(q, (&recorder{}).handle, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Run(ctx), context.DeadlineExceeded)
}

func TestDispatcher_DrainPending(t *testing.T) {
	q := NewQueue(nil, 0)
	rec := &recorder{}
	d := NewDispatcher(q, rec.handle, nil, nil, nil)

	push(t, q, Timer{Tick: 1}, Timer{Tick: 2})
	n, stopped := d.DrainPending(context.Background())
	assert.Equal(t, 2, n)
	assert.False(t, stopped)

	push(t, q, Timer{Tick: 3}, Shutdown{})
	n, stopped = d.DrainPending(context.Background())
	assert.Equal(t, 1, n)
	assert.True(t, stopped)
}

func TestDispatcher_TracksConnectedDevices(t *testing.T) {
	q := NewQueue(nil, 0)
	d := NewDispatcher(q, (&recorder{}).handle, nil, nil, nil)

	push(t, q,
		DeviceAdded{DeviceID: "a"},
		DeviceAdded{DeviceID: "b"},
		DeviceAdded{DeviceID: "a"},
		DeviceRemoved{DeviceID: "b"},
		DeviceRemoved{DeviceID: "zzz"},
	)
	d.DrainPending(context.Background())
	assert.Equal(t, 1, d.ConnectedDevices())
}

func TestDispatcher_OneHandlerAtATime(t *testing.T) {
	q := NewQueue(nil, 0)
	var inFlight, maxInFlight int
	var mu sync.Mutex
	h := func(context.Context, Envelope) error {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	d := NewDispatcher(q, h, nil, nil, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				_, _ = q.Push("p", Timer{Tick: uint64(i)})
			}
		}()
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	wg.Wait()
	_, err := q.Seal("test", Shutdown{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, uint64(100), d.metrics.dispatched.Load())
	assert.Greater(t, d.avgHandlerTime(), time.Duration(0))
}
