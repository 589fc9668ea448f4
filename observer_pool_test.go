package seamstress

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPool_DeliversToEveryObserver(t *testing.T) {
	op := NewObserverPool(context.Background(), 2, 16)

	var a, b atomic.Int64
	obs := []Observer{
		ObserverFunc(func(Telemetry) { a.Add(1) }),
		nil,
		ObserverFunc(func(Telemetry) { b.Add(1) }),
	}
	for range 10 {
		op.Notify(Telemetry{Type: TelemetryDispatched}, obs)
	}
	require.NoError(t, op.Close(time.Second))

	assert.Equal(t, int64(10), a.Load())
	assert.Equal(t, int64(10), b.Load())
	assert.Equal(t, uint64(10), op.Stats().Processed)

	// Notify after Close is a no-op.
	op.Notify(Telemetry{}, obs)
	assert.NoError(t, op.Close(time.Second))
	assert.Equal(t, int64(10), a.Load())
}

func TestObserverPool_PanickingObserverIsContained(t *testing.T) {
	op := NewObserverPool(context.Background(), 1, 4)
	var after atomic.Bool
	op.Notify(Telemetry{}, []Observer{
		ObserverFunc(func(Telemetry) { panic("observer bug") }),
		ObserverFunc(func(Telemetry) { after.Store(true) }),
	})
	require.NoError(t, op.Close(time.Second))
	assert.True(t, after.Load())
	assert.Equal(t, uint64(1), op.panics.Load())
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	op := NewObserverPool(context.Background(), 1, 1)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once
	blocker := ObserverFunc(func(Telemetry) {
		once.Do(started.Done)
		<-release
	})

	op.Notify(Telemetry{}, []Observer{blocker})
	started.Wait()
	op.Notify(Telemetry{}, []Observer{blocker}) // fills the buffer
	op.Notify(Telemetry{}, []Observer{blocker}) // dropped

	assert.Equal(t, uint64(1), op.Stats().Dropped)
	assert.Equal(t, 1, op.Stats().BufferSize)
	close(release)
	require.NoError(t, op.Close(time.Second))
}

func TestObserverPool_CloseTimesOut(t *testing.T) {
	op := NewObserverPool(context.Background(), 1, 1)
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	op.Notify(Telemetry{}, []Observer{ObserverFunc(func(Telemetry) {
		close(entered)
		<-release
	})})
	<-entered
	assert.ErrorIs(t, op.Close(10*time.Millisecond), ErrObserverPoolShutdownTimeout)
}
