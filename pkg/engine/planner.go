package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// resourceRun drives one resource through its state machine.
type resourceRun struct {
	rec     *Reconciler
	runID   string
	node    *GraphNode
	state   ResourceState
	outcome Outcome
	span    trace.Span
}

func (rr *resourceRun) transition(ctx context.Context, to ResourceState) {
	from := rr.state
	if !from.CanTransition(to) {
		rr.rec.logger.Error().
			Str("resource", rr.node.Identity.String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Illegal state transition")
	}
	rr.state = to
	rr.span.AddEvent(string(to))
	rr.rec.notify.transition(ctx, rr.runID, rr.node.Identity, from, to)
}

func (rr *resourceRun) finish(err error) Outcome {
	rr.outcome.State = rr.state
	rr.outcome.Kind = rr.state.Outcome()
	rr.outcome.Err = err
	rr.outcome.CompletedAt = time.Now()
	rr.outcome.Duration = rr.outcome.CompletedAt.Sub(rr.outcome.StartedAt)

	if err != nil {
		rr.span.RecordError(err)
		rr.span.SetStatus(codes.Error, err.Error())
	} else {
		rr.span.SetStatus(codes.Ok, "")
	}
	rr.span.SetAttributes(attribute.String("realize.outcome", string(rr.outcome.Kind)))
	return rr.outcome
}

// reconcileOne probes, diffs and, when needed, applies a single resource.
// Once started, the probe and apply run to completion even if ctx is
// cancelled; cancellation only prevents an apply from starting.
func (r *Reconciler) reconcileOne(ctx context.Context, runID string, node *GraphNode) Outcome {
	id := node.Identity
	res := node.Resource

	unlock := r.locks.Lock(id.String())
	defer unlock()

	workCtx := context.WithoutCancel(ctx)
	if r.opts.ResourceTimeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(workCtx, r.opts.ResourceTimeout)
		defer cancel()
	}

	workCtx, span := r.tracer.Start(workCtx, "realize.resource",
		trace.WithAttributes(
			attribute.String("realize.run_id", runID),
			attribute.String("realize.resource", id.String()),
			attribute.Bool("realize.implicit", node.Implicit),
		))
	defer span.End()

	rr := &resourceRun{
		rec:   r,
		runID: runID,
		node:  node,
		state: StatePending,
		span:  span,
		outcome: Outcome{
			Identity:    id,
			Description: Describe(res),
			Implicit:    node.Implicit,
			StartedAt:   time.Now(),
		},
	}
	logger := r.logger.With().Str("run_id", runID).Str("resource", id.String()).Logger()

	if ctx.Err() != nil {
		rr.transition(workCtx, StateBlocked)
		rr.outcome.Reason = ReasonCancelled
		return rr.finish(nil)
	}

	rr.transition(workCtx, StateProbing)
	observed, err := safeProbe(workCtx, res)
	if err != nil {
		rr.transition(workCtx, StateProbeFailed)
		logger.Warn().Err(err).Msg("Probe failed")
		return rr.finish(NewProbeError(id, err))
	}
	rr.transition(workCtx, StateProbed)

	rr.transition(workCtx, StateDiffing)
	change, err := safeDiff(res, observed)
	if err != nil {
		rr.transition(workCtx, StateProbeFailed)
		return rr.finish(NewProbeError(id, err).WithOperation("diff"))
	}
	if change == nil {
		rr.transition(workCtx, StateSatisfied)
		logger.Debug().Msg("Resource satisfied")
		return rr.finish(nil)
	}

	if change.Identity != id {
		c := *change
		c.Identity = id
		change = &c
	}
	rr.outcome.Change = change
	rr.transition(workCtx, StatePlanned)
	span.SetAttributes(attribute.String("realize.operation", string(change.Operation)))

	if r.opts.DryRun {
		rr.outcome.DryRun = true
		logger.Info().Str("operation", string(change.Operation)).Msg(change.Summary)
		return rr.finish(nil)
	}

	if ctx.Err() != nil {
		rr.transition(workCtx, StateBlocked)
		rr.outcome.Reason = ReasonCancelled
		return rr.finish(nil)
	}

	rr.transition(workCtx, StateApplying)
	if err := safeApply(workCtx, res, change); err != nil {
		rr.transition(workCtx, StateApplyFailed)
		logger.Warn().Err(err).Msg("Apply failed")
		return rr.finish(NewApplyError(id, err))
	}

	if !r.opts.SkipVerify {
		if err := r.verify(workCtx, res); err != nil {
			rr.transition(workCtx, StateApplyFailed)
			logger.Warn().Err(err).Msg("Resource did not converge")
			return rr.finish(err)
		}
	}

	rr.transition(workCtx, StateApplied)
	logger.Info().Str("operation", string(change.Operation)).Msg(change.Summary)
	return rr.finish(nil)
}

// verify re-probes a resource after apply and requires an empty diff.
func (r *Reconciler) verify(ctx context.Context, res Resource) error {
	id := res.Identity()
	observed, err := safeProbe(ctx, res)
	if err != nil {
		return NewApplyError(id, fmt.Errorf("verify probe: %w", err)).WithCode(ErrCodeNotConverged)
	}
	change, err := safeDiff(res, observed)
	if err != nil {
		return NewApplyError(id, fmt.Errorf("verify diff: %w", err)).WithCode(ErrCodeNotConverged)
	}
	if change != nil {
		return NewApplyError(id, fmt.Errorf("still differs after apply: %s", change.Summary)).
			WithCode(ErrCodeNotConverged)
	}
	return nil
}

// safeProbe calls Probe and turns a panic into an error.
func safeProbe(ctx context.Context, res Resource) (result ProbeResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("probe panicked: %v", p)
		}
	}()
	return res.Probe(ctx)
}

func safeDiff(res Resource, observed ProbeResult) (change *Change, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("diff panicked: %v", p)
		}
	}()
	return res.Diff(observed), nil
}

func safeApply(ctx context.Context, res Resource, change *Change) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("apply panicked: %v", p)
		}
	}()
	return res.Apply(ctx, change)
}
