package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/mwalimu/saccoguard/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saccoguard",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total event emit attempts by event type.",
	}, []string{"event_type"})

	eventEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saccoguard",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total event emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(eventEmitTotal, eventEmitErrors)
}

// deliverTimeout bounds a single sink delivery.
const deliverTimeout = 30 * time.Second

// Emitter fans events out to a sink. All methods are fire-and-forget:
// errors are counted and logged but never returned to the engine.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
	async  bool
}

// NewEmitter creates an event emitter. A nil sink yields an emitter whose
// methods are no-ops, so callers never need nil checks.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, logger: logger, async: true}
}

// Sync disables the delivery goroutine. Used in tests to make emission
// deterministic.
func (e *Emitter) Sync() *Emitter {
	e.async = false
	return e
}

// Emit builds and delivers an event of the given type.
func (e *Emitter) Emit(eventType Type, data map[string]any) {
	if e == nil || e.sink == nil {
		return
	}
	eventEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if e.async {
		go e.deliver(event)
		return
	}
	e.deliver(event)
}

func (e *Emitter) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := e.sink.Deliver(ctx, event); err != nil {
		eventEmitErrors.WithLabelValues(string(event.Type)).Inc()
		e.logger.Warn("event delivery failed", "event", event.Type, "error", err)
	}
}
