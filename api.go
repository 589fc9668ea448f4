package seamstress

import (
	"context"
)

// Handler processes a single dispatched event. A returned error is isolated
// to that event: it is logged and the loop continues.
type Handler func(ctx context.Context, env Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Collaborator is a resource with ordered bring-up and tear-down.
// Init allocates (binds sockets, establishes watches) but must not emit.
type Collaborator interface {
	Name() string
	Init(ctx context.Context) error
	Deinit(ctx context.Context) error
}

// Producer is a Collaborator that emits events from its own goroutines.
// Start must return promptly after launching its emission context. Stop
// signals that context to end and waits for it; the runtime bounds the wait
// with a grace period.
type Producer interface {
	Collaborator
	Start(ctx context.Context, emit Emitter) error
	Stop(ctx context.Context) error
}

// Scanner is implemented by device monitors. Scan runs synchronously once
// during entry into Running; every descriptor becomes a DeviceAdded event.
type Scanner interface {
	Scan(ctx context.Context) ([]DeviceDescriptor, error)
}

// ProducerRole orders producers during init (ascending) and teardown (descending).
type ProducerRole int

const (
	RoleDeviceMonitor ProducerRole = iota + 1
	RoleNetwork
	RoleInput
	RoleClock
	RoleRemote
	RoleOther
)

func (r ProducerRole) String() string {
	switch r {
	case RoleDeviceMonitor:
		return "device_monitor"
	case RoleNetwork:
		return "network"
	case RoleInput:
		return "input"
	case RoleClock:
		return "clock"
	case RoleRemote:
		return "remote"
	default:
		return "other"
	}
}

// RoleProvider lets a Producer declare its ordering role. Producers without
// it are ordered as RoleOther.
type RoleProvider interface {
	Role() ProducerRole
}

func roleOf(p Producer) ProducerRole {
	if rp, ok := p.(RoleProvider); ok {
		return rp.Role()
	}
	return RoleOther
}

// Engine is the script engine ("spindle"). It is not reentrant: every method
// is invoked from the goroutine that called Runtime.Run and from nowhere else.
// The emitter passed to Startup lets scripts queue signals; it is the only
// route back into the core.
type Engine interface {
	Init(ctx context.Context) error
	Startup(ctx context.Context, emit Emitter) error
	Handle(ctx context.Context, ev Event) error
	Deinit(ctx context.Context) error
}

// Observer receives runtime telemetry. Implementations should be non-blocking.
type Observer interface {
	OnTelemetry(t Telemetry)
}

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the runtime surface exposed to the process boundary.
type API interface {
	Run(ctx context.Context) error
	RequestShutdown(reason string) error
	State() State
	Stats() Stats
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Runtime)(nil)
var _ HealthChecker = (*Runtime)(nil)
