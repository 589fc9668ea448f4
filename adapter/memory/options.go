package memory

import "context"

type hooks struct {
	init   func(ctx context.Context) error
	deinit func(ctx context.Context) error
	stop   func(ctx context.Context) error
	scan   func(ctx context.Context) error
}

// Option attaches lifecycle hooks to a memory producer.
type Option func(*hooks)

// WithInitHook runs fn at the start of Init; an error fails Init.
func WithInitHook(fn func(ctx context.Context) error) Option {
	return func(h *hooks) { h.init = fn }
}

// WithDeinitHook runs fn as Deinit.
func WithDeinitHook(fn func(ctx context.Context) error) Option {
	return func(h *hooks) { h.deinit = fn }
}

// WithStopHook runs fn before the forwarding goroutine is stopped. A hook
// that blocks past the runtime's grace period makes the producer overrun.
func WithStopHook(fn func(ctx context.Context) error) Option {
	return func(h *hooks) { h.stop = fn }
}

// WithScanHook runs fn before Scan reports devices; an error fails the scan.
func WithScanHook(fn func(ctx context.Context) error) Option {
	return func(h *hooks) { h.scan = fn }
}
