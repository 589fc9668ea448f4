// Package timer is the clock producer: it emits a numbered Timer event at a
// fixed interval.
package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const (
	ProducerName = "timer"

	DefaultInterval = time.Second
)

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		t, err := New(ConfigFromMap(cfg), nil, nil)
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

type Config struct {
	// Name is both the producer name and the Timer source (default: "timer").
	Name     string
	Interval time.Duration
	// Limit stops ticking after this many ticks; zero means unlimited.
	Limit uint64
}

func ConfigFromMap(m map[string]any) Config {
	c := cfgmap.Map(m)
	return Config{
		Name:     c.String("name", ProducerName),
		Interval: c.Duration("interval", DefaultInterval),
		Limit:    uint64(max(0, c.Int("limit", 0))),
	}
}

// Ticker implements seamstress.Producer.
type Ticker struct {
	cfg    Config
	logger *xlog.Logger
	clock  xclock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	ticks   atomic.Uint64
	dropped atomic.Uint64
	lag     atomic.Int64
}

var (
	_ seamstress.Producer     = (*Ticker)(nil)
	_ seamstress.RoleProvider = (*Ticker)(nil)
)

func New(cfg Config, logger *xlog.Logger, clock xclock.Clock) (*Ticker, error) {
	if cfg.Name == "" {
		cfg.Name = ProducerName
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("timer %s: interval must be positive, got %s", cfg.Name, cfg.Interval)
	}
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Ticker{cfg: cfg, logger: logger, clock: clock}, nil
}

func (t *Ticker) Name() string { return t.cfg.Name }

func (t *Ticker) Role() seamstress.ProducerRole { return seamstress.RoleClock }

func (t *Ticker) Init(context.Context) error { return nil }

func (t *Ticker) Deinit(context.Context) error { return nil }

func (t *Ticker) Start(ctx context.Context, emit seamstress.Emitter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return errors.New("timer: already started")
	}
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(tctx, emit, t.done)
	return nil
}

func (t *Ticker) loop(ctx context.Context, emit seamstress.Emitter, done chan struct{}) {
	defer close(done)
	tk := time.NewTicker(t.cfg.Interval)
	defer tk.Stop()

	next := t.clock.Now().Add(t.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		t.lag.Store(int64(t.clock.Since(next)))
		next = next.Add(t.cfg.Interval)

		n := t.ticks.Add(1)
		err := emit.Emit(seamstress.Timer{Source: t.cfg.Name, Tick: n})
		switch {
		case errors.Is(err, seamstress.ErrQueueClosed):
			return
		case err != nil:
			t.dropped.Add(1)
		}
		if t.cfg.Limit > 0 && n >= t.cfg.Limit {
			t.logger.Debug().Str("timer", t.cfg.Name).Msg("seamstress: timer reached its limit")
			return
		}
	}
}

func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Ticks   uint64
	Dropped uint64
	// Lag is how late the last tick fired.
	Lag time.Duration
}

func (t *Ticker) Stats() Stats {
	return Stats{Ticks: t.ticks.Load(), Dropped: t.dropped.Load(), Lag: time.Duration(t.lag.Load())}
}
