package seamstress

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RecoveryMiddleware converts a panicking callback into an error so that one
// bad event cannot take down the loop.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, env)
		}
	}
}

// LoggingMiddleware traces each dispatch at debug level.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) error {
			l.Debug().
				Str("kind", env.Kind().String()).
				Str("source", env.Source).
				Msg("seamstress: dispatch")
			return next(ctx, env)
		}
	}
}

// SlowHandlerMiddleware reports callbacks that ran longer than budget. The
// handler is never preempted and always runs on the calling goroutine.
func SlowHandlerMiddleware(budget time.Duration, clock xclock.Clock, onSlow func(env Envelope, took time.Duration)) Middleware {
	if budget <= 0 || onSlow == nil {
		return func(next Handler) Handler { return next }
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) error {
			start := clock.Now()
			err := next(ctx, env)
			if took := clock.Since(start); took > budget {
				onSlow(env, took)
			}
			return err
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
