package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const ProducerName = "memory"

// ErrInjectBufferFull is returned by Inject when the producer cannot keep up.
var ErrInjectBufferFull = errors.New("memory producer: inject buffer full")

// ErrNotStarted is returned by Inject before Start or after Stop.
var ErrNotStarted = errors.New("memory producer: not started")

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		return New(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("seamstress/memory: failed to register producer: %w", err))
	}
}

// Config controls memory producer behavior.
type Config struct {
	// Name identifies the producer (default: "memory").
	Name string
	// Role orders the producer among others (default: RoleOther).
	Role seamstress.ProducerRole
	// BufferSize is the inject channel size (default: 1024).
	BufferSize int
	// Devices is what Scan reports until Plug/Unplug change it.
	Devices []seamstress.DeviceDescriptor
	// Scanner makes the producer act as a device monitor (default: true when
	// Devices is non-empty).
	Scanner bool
	// Initial events are emitted synchronously from Start, before the
	// forwarding goroutine runs. Emission stops at the first rejection and
	// the remainder count as rejected.
	Initial []seamstress.Event
}

func ConfigFromMap(m map[string]any) Config {
	c := cfgmap.Map(m)
	return Config{
		Name:       c.String("name", ProducerName),
		BufferSize: max(1, c.Int("buffer_size", 1024)),
		Role:       roleFromString(c.String("role", "")),
		Scanner:    c.Bool("scanner", false),
	}
}

func roleFromString(s string) seamstress.ProducerRole {
	for r := seamstress.RoleDeviceMonitor; r <= seamstress.RoleOther; r++ {
		if r.String() == s {
			return r
		}
	}
	return seamstress.RoleOther
}

// Producer is an in-process producer: tests and embedders push events into
// it with Inject, and a worker goroutine forwards them to the runtime. It
// doubles as a device monitor whose device list is set by Plug and Unplug.
type Producer struct {
	cfg   Config
	hooks hooks

	mu      sync.Mutex
	devices []seamstress.DeviceDescriptor
	inject  chan seamstress.Event
	cancel  context.CancelFunc
	done    chan struct{}

	running atomic.Bool
	metrics producerMetrics
}

type producerMetrics struct {
	injected atomic.Uint64
	emitted  atomic.Uint64
	rejected atomic.Uint64
}

var (
	_ seamstress.Producer     = (*Producer)(nil)
	_ seamstress.RoleProvider = (*Producer)(nil)
)

// New creates a memory producer.
func New(cfg Config, opts ...Option) *Producer {
	if cfg.Name == "" {
		cfg.Name = ProducerName
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Role == 0 {
		cfg.Role = seamstress.RoleOther
	}
	if len(cfg.Devices) > 0 {
		cfg.Scanner = true
	}
	p := &Producer{cfg: cfg, devices: slices.Clone(cfg.Devices)}
	for _, o := range opts {
		if o != nil {
			o(&p.hooks)
		}
	}
	return p
}

func (p *Producer) Name() string { return p.cfg.Name }

func (p *Producer) Role() seamstress.ProducerRole { return p.cfg.Role }

func (p *Producer) Init(ctx context.Context) error {
	if p.hooks.init != nil {
		if err := p.hooks.init(ctx); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.inject = make(chan seamstress.Event, p.cfg.BufferSize)
	p.mu.Unlock()
	return nil
}

func (p *Producer) Deinit(ctx context.Context) error {
	if p.hooks.deinit != nil {
		return p.hooks.deinit(ctx)
	}
	return nil
}

// Start launches the forwarding goroutine.
func (p *Producer) Start(ctx context.Context, emit seamstress.Emitter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inject == nil {
		return ErrNotStarted
	}
	n, _ := seamstress.EmitAll(emit, p.cfg.Initial...)
	p.metrics.emitted.Add(uint64(n))
	p.metrics.rejected.Add(uint64(len(p.cfg.Initial) - n))

	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	go p.forward(wctx, p.inject, emit, p.done)
	return nil
}

func (p *Producer) forward(ctx context.Context, in <-chan seamstress.Event, emit seamstress.Emitter, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			if err := emit.Emit(ev); err != nil {
				p.metrics.rejected.Add(1)
				continue
			}
			p.metrics.emitted.Add(1)
		}
	}
}

// Stop ends the forwarding goroutine and waits for it, or for ctx.
func (p *Producer) Stop(ctx context.Context) error {
	p.running.Store(false)
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if p.hooks.stop != nil {
		if err := p.hooks.stop(ctx); err != nil {
			return err
		}
	}
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

// Scan reports the current device list, or nothing unless the producer was
// configured as a scanner.
func (p *Producer) Scan(ctx context.Context) ([]seamstress.DeviceDescriptor, error) {
	if !p.cfg.Scanner {
		return nil, nil
	}
	if p.hooks.scan != nil {
		if err := p.hooks.scan(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.devices), nil
}

// Inject queues ev for emission without blocking.
func (p *Producer) Inject(ev seamstress.Event) error {
	if !p.running.Load() {
		return ErrNotStarted
	}
	p.mu.Lock()
	in := p.inject
	p.mu.Unlock()

	select {
	case in <- ev:
		p.metrics.injected.Add(1)
		return nil
	default:
		return ErrInjectBufferFull
	}
}

// Plug adds a device and announces it as a hot-plug event.
func (p *Producer) Plug(d seamstress.DeviceDescriptor) error {
	p.mu.Lock()
	p.devices = append(p.devices, d)
	p.mu.Unlock()
	return p.Inject(d.Added())
}

// Unplug removes a device and announces its removal.
func (p *Producer) Unplug(id string) error {
	p.mu.Lock()
	p.devices = slices.DeleteFunc(p.devices, func(d seamstress.DeviceDescriptor) bool { return d.ID == id })
	p.mu.Unlock()
	return p.Inject(seamstress.DeviceRemoved{DeviceID: id})
}

// Stats returns producer telemetry.
type Stats struct {
	Injected uint64
	Emitted  uint64
	Rejected uint64
}

func (p *Producer) Stats() Stats {
	return Stats{
		Injected: p.metrics.injected.Load(),
		Emitted:  p.metrics.emitted.Load(),
		Rejected: p.metrics.rejected.Load(),
	}
}
