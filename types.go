package seamstress

import (
	"time"
)

// TelemetryType enumerates runtime lifecycle notifications for observers.
type TelemetryType string

const (
	TelemetryStateChanged    TelemetryType = "state_changed"
	TelemetryStepInit        TelemetryType = "step_init"
	TelemetryStepDeinit      TelemetryType = "step_deinit"
	TelemetryDispatched      TelemetryType = "dispatched"
	TelemetryHandlerFailed   TelemetryType = "handler_failed"
	TelemetryPushRejected    TelemetryType = "push_rejected"
	TelemetryStopTimeout     TelemetryType = "stop_timeout"
	TelemetryEventsDiscarded TelemetryType = "events_discarded"
)

// Telemetry carries one notification for observers.
type Telemetry struct {
	Type TelemetryType
	// From and To are set for state changes.
	From State
	To   State
	// Source is the producer or lifecycle step involved, if any.
	Source    string
	Seq       uint64
	EventKind Kind
	Count     int
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Notifications dropped due to full buffer
	Processed    uint64 // Notifications delivered
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Stats is a snapshot of runtime telemetry.
type Stats struct {
	State            State
	Queue            QueueStats
	Dispatched       uint64
	HandlerFailures  uint64
	Discarded        uint64
	StopTimeouts     uint64
	TelemetryDropped uint64
	AvgHandlerTimeMs float64
	Producers        int
	ConnectedDevices int
}

// HealthStatus indicates runtime health for liveness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Session   string
	State     State
	Stats     Stats
	Timestamp time.Time
	Message   string
}
