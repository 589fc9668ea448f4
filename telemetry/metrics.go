// Package telemetry exports runtime telemetry to Prometheus and serves it,
// together with a health endpoint, over HTTP.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rupa/seamstress"
)

const namespace = "seamstress"

// Metrics is a seamstress.Observer that turns telemetry into Prometheus
// series. It owns its registry so several runtimes (or tests) do not collide
// on the global one.
type Metrics struct {
	registry *prometheus.Registry

	dispatched      *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	pushRejected    *prometheus.CounterVec
	stopTimeouts    *prometheus.CounterVec
	discarded       prometheus.Counter
	stepFailures    *prometheus.CounterVec
	state           *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ seamstress.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, along with the Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Events handed to the engine",
		}, []string{"kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Events whose callback reported an error",
		}, []string{"kind"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the engine per event",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"kind"}),
		pushRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Pushes refused because the queue was closed or full",
		}, []string{"source"}),
		stopTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producers",
			Name:      "stop_timeouts_total",
			Help:      "Producers that did not stop within the grace period",
		}, []string{"producer"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "discarded_total",
			Help:      "Events left in the queue at shutdown",
		}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "step_failures_total",
			Help:      "Lifecycle steps whose init or deinit failed",
		}, []string{"step", "phase"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 otherwise",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatched, m.handlerFailures, m.handlerDuration,
		m.pushRejected, m.stopTimeouts, m.discarded, m.stepFailures, m.state,
		m.httpRequests, m.httpDuration,
	)
	m.setState(seamstress.StateUninitialized)
	return m
}

// Registry is what the /metrics handler gathers from.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnTelemetry implements seamstress.Observer.
func (m *Metrics) OnTelemetry(t seamstress.Telemetry) {
	switch t.Type {
	case seamstress.TelemetryDispatched:
		m.dispatched.WithLabelValues(t.EventKind.String()).Inc()
		m.handlerDuration.WithLabelValues(t.EventKind.String()).Observe(t.Duration.Seconds())
	case seamstress.TelemetryHandlerFailed:
		m.dispatched.WithLabelValues(t.EventKind.String()).Inc()
		m.handlerFailures.WithLabelValues(t.EventKind.String()).Inc()
		m.handlerDuration.WithLabelValues(t.EventKind.String()).Observe(t.Duration.Seconds())
	case seamstress.TelemetryPushRejected:
		m.pushRejected.WithLabelValues(t.Source).Inc()
	case seamstress.TelemetryStopTimeout:
		m.stopTimeouts.WithLabelValues(t.Source).Inc()
	case seamstress.TelemetryEventsDiscarded:
		m.discarded.Add(float64(t.Count))
	case seamstress.TelemetryStepInit:
		if t.Err != nil {
			m.stepFailures.WithLabelValues(t.Source, "init").Inc()
		}
	case seamstress.TelemetryStepDeinit:
		if t.Err != nil {
			m.stepFailures.WithLabelValues(t.Source, "deinit").Inc()
		}
	case seamstress.TelemetryStateChanged:
		m.setState(t.To)
	}
}

func (m *Metrics) setState(current seamstress.State) {
	for s := seamstress.StateUninitialized; s <= seamstress.StateTerminated; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}
