package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine runs reconciliation: it collects declarations from a configure
// routine, builds and admits the dependency graph, and converges every
// resource. An Engine may run many times; each run gets a fresh registry.
type Engine struct {
	opts      Options
	logger    zerolog.Logger
	admitters []Admitter
	observers []Observer
	locks     *keyedMutex
	tracer    trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAdmitter adds an admission check run on every graph before execution.
func WithAdmitter(a Admitter) EngineOption {
	return func(e *Engine) {
		if a != nil {
			e.admitters = append(e.admitters, a)
		}
	}
}

// WithObserver adds a run observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// New creates an engine.
func New(opts Options, options ...EngineOption) *Engine {
	e := &Engine{
		opts:   opts,
		logger: zerolog.Nop(),
		locks:  newKeyedMutex(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Options returns the options the engine was created with.
func (e *Engine) Options() Options {
	return e.opts
}

// Plan runs the configure routine against a fresh registry, seals it and
// builds the dependency graph. Nothing is probed.
func (e *Engine) Plan(ctx context.Context, configure ConfigureFunc) (*Graph, error) {
	if configure == nil {
		return nil, NewValidationError("configure routine is nil", nil)
	}

	reality := NewReality(e.logger)
	if err := configure(reality); err != nil {
		reality.Seal()
		if ClassOf(err).IsPreExecution() {
			return nil, err
		}
		return nil, NewValidationError("configure failed", err)
	}
	assertions := reality.Seal()

	e.logger.Debug().Int("assertions", len(assertions)).Msg("Registry sealed")

	return NewGraphBuilder(e.logger).Build(assertions)
}

// Admit runs every admitter against the graph.
func (e *Engine) Admit(ctx context.Context, graph *Graph) error {
	for _, a := range e.admitters {
		if err := a.Admit(ctx, graph); err != nil {
			var engineErr *EngineError
			if errors.As(err, &engineErr) {
				return err
			}
			return NewPolicyError("admission denied", err)
		}
	}
	return nil
}

// Run executes one reconciliation. The returned result is never nil. The
// error is the pre-execution error that aborted the run, or a cancellation
// error; per-resource failures are reported only in the result.
func (e *Engine) Run(ctx context.Context, configure ConfigureFunc) (*RunResult, error) {
	result := &RunResult{
		ID:        uuid.New().String(),
		Status:    RunStatusRunning,
		DryRun:    e.opts.DryRun,
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, 0),
	}

	ctx, span := e.tracer.Start(ctx, "realize.run",
		trace.WithAttributes(
			attribute.String("realize.run_id", result.ID),
			attribute.Bool("realize.dry_run", e.opts.DryRun),
		))
	defer span.End()

	logger := e.logger.With().Str("run_id", result.ID).Logger()
	notify := newNotifier(e.observers)

	graph, err := e.Plan(ctx, configure)
	if err == nil {
		err = e.Admit(ctx, graph)
	}
	if err != nil {
		result.Graph = graph
		status := RunStatusAborted
		if IsCancelled(err) {
			status = RunStatusCancelled
		}
		e.finish(ctx, result, status, err, notify)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Run aborted before execution")
		return result, err
	}

	result.Graph = graph
	span.SetAttributes(attribute.Int("realize.resources", graph.Len()))
	notify.runStarted(ctx, result.ID, graph)

	logger.Info().
		Int("resources", graph.Len()).
		Int("parallelism", e.opts.Parallelism).
		Bool("dry_run", e.opts.DryRun).
		Msg("Run started")

	rec := newReconciler(e.opts, logger, e.locks, notify)
	result.Outcomes = rec.Reconcile(ctx, result.ID, graph)
	for _, o := range result.Outcomes {
		result.Summary.Add(o.Kind)
	}

	status := RunStatusSucceeded
	var runErr error
	switch {
	case cancelled(result.Outcomes):
		status = RunStatusCancelled
		runErr = NewCancelledError(context.Cause(ctx))
	case !result.Summary.OK():
		status = RunStatusFailed
	}
	e.finish(ctx, result, status, runErr, notify)

	if status != RunStatusSucceeded {
		span.SetStatus(codes.Error, string(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	logger.Info().
		Str("status", string(status)).
		Int("unchanged", result.Summary.Unchanged).
		Int("changed", result.Summary.Changed).
		Int("blocked", result.Summary.Blocked).
		Int("failed", result.Summary.Failed).
		Dur("duration", result.Duration).
		Msg("Run finished")

	return result, runErr
}

func (e *Engine) finish(ctx context.Context, result *RunResult, status RunStatus, err error, notify *notifier) {
	result.Status = status
	result.Err = err
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	notify.runFinished(ctx, result)
}

func cancelled(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Kind == OutcomeBlocked && o.Reason == ReasonCancelled {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log output.
func (r *RunResult) String() string {
	return fmt.Sprintf("run %s %s: %d unchanged, %d changed, %d blocked, %d failed",
		r.ID, r.Status, r.Summary.Unchanged, r.Summary.Changed, r.Summary.Blocked, r.Summary.Failed)
}
