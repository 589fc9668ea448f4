package seamstress

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(t Telemetry)

func (f ObserverFunc) OnTelemetry(t Telemetry) { f(t) }

// LoggingObserver is an Adapter that emits telemetry via xlog. Only failed
// lifecycle steps are logged above debug level.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnTelemetry(t Telemetry) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(xlog.Str("type", string(t.Type)))
	if t.Source != "" {
		l = l.With(xlog.Str("source", t.Source))
	}

	switch t.Type {
	case TelemetryStateChanged:
		l.Debug().Str("from", t.From.String()).Str("to", t.To.String()).Msg("seamstress telemetry")
	case TelemetryStepInit, TelemetryStepDeinit:
		if t.Err != nil {
			l.Warn().Err(t.Err).Msg("seamstress telemetry")
			return
		}
		l.Debug().Msg("seamstress telemetry")
	case TelemetryHandlerFailed, TelemetryPushRejected, TelemetryStopTimeout:
		// The runtime already warns about these where they happen.
		l.Debug().Err(t.Err).Str("kind", t.EventKind.String()).Msg("seamstress telemetry")
	case TelemetryEventsDiscarded:
		l.Debug().Str("count", strconv.Itoa(t.Count)).Msg("seamstress telemetry")
	default:
		if t.Duration > 0 {
			l = l.With(xlog.Dur("duration", t.Duration))
		}
		l.Debug().Str("kind", t.EventKind.String()).Msg("seamstress telemetry")
	}
}
