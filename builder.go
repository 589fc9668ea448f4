package seamstress

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	// DefaultStopGrace bounds how long each producer may take to stop.
	DefaultStopGrace = 2 * time.Second

	defaultPoolWorkers = 2
	defaultPoolBuffer  = 1024
)

type producerSpec struct {
	name string
	cfg  map[string]any
}

// RuntimeBuilder constructs Runtime instances (Builder pattern).
type RuntimeBuilder struct {
	engine        Engine
	producers     []Producer
	producerSpecs []producerSpec
	collaborators []Collaborator
	middlewares   []Middleware
	observers     []Observer
	logger        *xlog.Logger
	clock         xclock.Clock

	queueCapacity int
	stopGrace     time.Duration
	slowHandler   time.Duration

	observerPool *ObserverPool
	poolWorkers  int
	poolBuffer   int
	session      string
}

// NewRuntimeBuilder returns a builder with sensible defaults: an unbounded
// queue, DefaultStopGrace and an asynchronous observer pool.
func NewRuntimeBuilder() *RuntimeBuilder {
	return &RuntimeBuilder{
		stopGrace:   DefaultStopGrace,
		poolWorkers: defaultPoolWorkers,
		poolBuffer:  defaultPoolBuffer,
	}
}

// WithEngine sets the script engine. Required.
func (rb *RuntimeBuilder) WithEngine(e Engine) *RuntimeBuilder {
	rb.engine = e
	return rb
}

// WithProducer adds ready producer instances.
func (rb *RuntimeBuilder) WithProducer(p ...Producer) *RuntimeBuilder {
	for _, x := range p {
		if x != nil {
			rb.producers = append(rb.producers, x)
		}
	}
	return rb
}

// WithProducerNamed adds a producer built from the registry at Build time.
func (rb *RuntimeBuilder) WithProducerNamed(name string, cfg map[string]any) *RuntimeBuilder {
	rb.producerSpecs = append(rb.producerSpecs, producerSpec{name: name, cfg: cfg})
	return rb
}

// WithCollaborator adds a non-producing resource initialized after producers.
func (rb *RuntimeBuilder) WithCollaborator(c ...Collaborator) *RuntimeBuilder {
	for _, x := range c {
		if x != nil {
			rb.collaborators = append(rb.collaborators, x)
		}
	}
	return rb
}

func (rb *RuntimeBuilder) WithMiddleware(mw ...Middleware) *RuntimeBuilder {
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RuntimeBuilder) WithObserver(obs ...Observer) *RuntimeBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

func (rb *RuntimeBuilder) WithLogger(l *xlog.Logger) *RuntimeBuilder {
	rb.logger = l
	return rb
}

func (rb *RuntimeBuilder) WithClock(c xclock.Clock) *RuntimeBuilder {
	rb.clock = c
	return rb
}

// WithQueueCapacity bounds the event queue; n <= 0 leaves it unbounded.
func (rb *RuntimeBuilder) WithQueueCapacity(n int) *RuntimeBuilder {
	rb.queueCapacity = n
	return rb
}

func (rb *RuntimeBuilder) WithStopGrace(d time.Duration) *RuntimeBuilder {
	if d > 0 {
		rb.stopGrace = d
	}
	return rb
}

// WithSlowHandler logs a warning for callbacks running longer than d.
func (rb *RuntimeBuilder) WithSlowHandler(d time.Duration) *RuntimeBuilder {
	rb.slowHandler = d
	return rb
}

// WithObserverPool replaces the default pool. The caller owns its Close.
func (rb *RuntimeBuilder) WithObserverPool(p *ObserverPool) *RuntimeBuilder {
	rb.observerPool = p
	return rb
}

// WithObserverPoolSize tunes the default pool; workers <= 0 delivers
// telemetry synchronously instead.
func (rb *RuntimeBuilder) WithObserverPoolSize(workers, buffer int) *RuntimeBuilder {
	rb.poolWorkers = workers
	rb.poolBuffer = buffer
	return rb
}

// WithSession overrides the generated session id.
func (rb *RuntimeBuilder) WithSession(id string) *RuntimeBuilder {
	rb.session = id
	return rb
}

func (rb *RuntimeBuilder) Build() (*Runtime, error) {
	if rb.engine == nil {
		return nil, ErrNoEngine
	}

	producers := slices.Clone(rb.producers)
	for _, spec := range rb.producerSpecs {
		p, err := NewProducer(spec.name, spec.cfg)
		if err != nil {
			return nil, fmt.Errorf("seamstress: producer %s: %w", spec.name, err)
		}
		producers = append(producers, p)
	}
	// Device monitors first, remote control last; registration order breaks ties.
	slices.SortStableFunc(producers, func(a, b Producer) int {
		return int(roleOf(a)) - int(roleOf(b))
	})

	seen := make(map[string]struct{}, len(producers))
	for _, p := range producers {
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("seamstress: duplicate producer name %q", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}

	clk := rb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	session := rb.session
	if session == "" {
		session = uuid.NewString()
	}
	lg := rb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	lg = lg.With(xlog.Str("session", session))

	r := &Runtime{
		session:       session,
		logger:        lg,
		clock:         clk,
		engine:        rb.engine,
		producers:     producers,
		collaborators: slices.Clone(rb.collaborators),
		middlewares:   slices.Clone(rb.middlewares),
		queueCapacity: rb.queueCapacity,
		stopGrace:     rb.stopGrace,
		slowHandler:   rb.slowHandler,
	}
	r.state = NewStateMachine(r.onStateChange)

	switch {
	case rb.observerPool != nil:
		r.observerPool = rb.observerPool
	case rb.poolWorkers > 0:
		r.observerPool = NewObserverPool(context.Background(), rb.poolWorkers, rb.poolBuffer)
		r.ownsPool = true
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range rb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		r.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range rb.observers {
		r.AddObserver(o)
	}
	return r, nil
}
