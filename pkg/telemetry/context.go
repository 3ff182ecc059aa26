package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/realize/pkg/engine"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration. Trace
// output of the stdout exporter goes to traceOut, stderr when nil.
func NewTelemetry(cfg *Config, traceOut io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, traceOut)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Observers returns the engine observers for the enabled components.
func (t *Telemetry) Observers() []engine.Observer {
	var out []engine.Observer
	if t.Metrics.Enabled() {
		out = append(out, t.Metrics.Observer())
	}
	if t.Config.Events.Enabled {
		out = append(out, t.Events)
	}
	return out
}

// EngineOptions returns the engine options wiring logging and observers.
func (t *Telemetry) EngineOptions() []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
	}
	for _, o := range t.Observers() {
		opts = append(opts, engine.WithObserver(o))
	}
	return opts
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events, flushes traces, writes the metrics textfile and
// closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.WriteTextfile(),
		t.Logger.Close(),
	)
}
