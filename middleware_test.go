package seamstress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env Envelope) error {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}
	h := Chain(func(context.Context, Envelope) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), Envelope{Event: Timer{}}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, Envelope) error { panic("lua blew up") })
	err := h(context.Background(), Envelope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lua blew up")
}

func TestSlowHandlerMiddleware(t *testing.T) {
	var slow []Kind
	mw := SlowHandlerMiddleware(time.Millisecond, nil, func(env Envelope, took time.Duration) {
		assert.Greater(t, took, time.Millisecond)
		slow = append(slow, env.Kind())
	})

	fast := mw(func(context.Context, Envelope) error { return nil })
	sleepy := mw(func(context.Context, Envelope) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, fast(context.Background(), Envelope{Event: Timer{}}))
	require.NoError(t, sleepy(context.Background(), Envelope{Event: Signal{}}))
	assert.Equal(t, []Kind{KindSignal}, slow)

	// A zero budget is a pass-through.
	called := false
	SlowHandlerMiddleware(0, nil, nil)(func(context.Context, Envelope) error {
		called = true
		return nil
	})(context.Background(), Envelope{})
	assert.True(t, called)
}

func TestLoggingMiddleware_PassesThrough(t *testing.T) {
	h := LoggingMiddleware(xlog.Default())(func(context.Context, Envelope) error { return assert.AnError })
	assert.ErrorIs(t, h(context.Background(), Envelope{Event: Timer{}}), assert.AnError)
}

func TestContextInjection(t *testing.T) {
	m := NewStateMachine(nil)
	ctx := InjectAll(context.Background(), xlog.Default(), nil, m)

	l, ok := LoggerFromContext(ctx)
	assert.True(t, ok)
	assert.NotNil(t, l)
	_, ok = ClockFromContext(ctx)
	assert.False(t, ok, "nil clock is not injected")
	s, ok := StateFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, StateUninitialized, s.State())
}
