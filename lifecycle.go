package seamstress

import (
	"context"
	"errors"
	"sync"
)

// Step is one (init, deinit) pair in the ordered bring-up list.
// Either function may be nil.
type Step struct {
	Name   string
	Init   func(ctx context.Context) error
	Deinit func(ctx context.Context) error
}

// StepFor adapts a Collaborator into a Step.
func StepFor(c Collaborator) Step {
	return Step{Name: c.Name(), Init: c.Init, Deinit: c.Deinit}
}

// StepHook observes step execution; err is nil on success.
type StepHook func(t TelemetryType, step string, err error)

// Lifecycle runs steps forward on Init and in reverse on Deinit. Only steps
// whose Init succeeded are deinitialized, exactly once.
type Lifecycle struct {
	mu    sync.Mutex
	steps []Step
	done  int
	hook  StepHook
}

// NewLifecycle returns a lifecycle over steps in init order.
func NewLifecycle(hook StepHook, steps ...Step) *Lifecycle {
	return &Lifecycle{steps: steps, hook: hook}
}

// Add appends a step. Steps cannot be added once Init has run.
func (l *Lifecycle) Add(s Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done > 0 {
		panic("seamstress: lifecycle step added after init")
	}
	l.steps = append(l.steps, s)
}

// Init runs every step in order. On the first failure it deinitializes the
// steps that already succeeded, in reverse, and returns an *InitError.
func (l *Lifecycle) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := l.done; i < len(l.steps); i++ {
		s := l.steps[i]
		if s.Init != nil {
			if err := s.Init(ctx); err != nil {
				l.emit(TelemetryStepInit, s.Name, err)
				_ = l.deinitLocked(ctx)
				return &InitError{Step: s.Name, Err: err}
			}
		}
		l.done = i + 1
		l.emit(TelemetryStepInit, s.Name, nil)
	}
	return nil
}

// Deinit tears down initialized steps in reverse order. Every step is
// attempted; failures are joined.
func (l *Lifecycle) Deinit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deinitLocked(ctx)
}

func (l *Lifecycle) deinitLocked(ctx context.Context) error {
	var errs []error
	for i := l.done - 1; i >= 0; i-- {
		s := l.steps[i]
		l.done = i
		if s.Deinit == nil {
			l.emit(TelemetryStepDeinit, s.Name, nil)
			continue
		}
		err := s.Deinit(ctx)
		l.emit(TelemetryStepDeinit, s.Name, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Initialized returns the names of steps currently initialized, in order.
func (l *Lifecycle) Initialized() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, l.done)
	for _, s := range l.steps[:l.done] {
		names = append(names, s.Name)
	}
	return names
}

func (l *Lifecycle) emit(t TelemetryType, step string, err error) {
	if l.hook != nil {
		l.hook(t, step, err)
	}
}
