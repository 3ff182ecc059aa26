package engine

import (
	"container/heap"
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for engine spans.
const tracerName = "github.com/openfroyo/realize/pkg/engine"

// Options control how a graph is reconciled.
type Options struct {
	// Parallelism is the maximum number of resources in flight. Values
	// below 1 mean 1, which executes exactly in topological order.
	Parallelism int `json:"parallelism"`

	// FailFast stops dispatching new resources after the first failure.
	// The remaining resources are reported as Blocked.
	FailFast bool `json:"fail_fast"`

	// DryRun probes and diffs every resource but applies nothing.
	DryRun bool `json:"dry_run"`

	// SkipVerify disables the post-apply probe that checks convergence.
	SkipVerify bool `json:"skip_verify"`

	// ResourceTimeout bounds the probe and apply of a single resource.
	// Zero means no limit.
	ResourceTimeout time.Duration `json:"resource_timeout"`
}

// Reconciler executes a graph with bounded parallelism. A resource is
// dispatched only after every dependency has finalized, and dependents of a
// Failed or Blocked resource are Blocked without being probed.
type Reconciler struct {
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer
	locks  *keyedMutex
	notify *notifier
}

// NewReconciler creates a reconciler.
func NewReconciler(opts Options, logger zerolog.Logger, observers ...Observer) *Reconciler {
	return newReconciler(opts, logger, newKeyedMutex(), newNotifier(observers))
}

func newReconciler(opts Options, logger zerolog.Logger, locks *keyedMutex, notify *notifier) *Reconciler {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Reconciler{
		opts:   opts,
		logger: logger.With().Str("component", "reconciler").Logger(),
		tracer: otel.Tracer(tracerName),
		locks:  locks,
		notify: notify,
	}
}

// tracker is the coordinator's bookkeeping for one node.
type tracker struct {
	node      *GraphNode
	remaining int
	outcome   *Outcome
}

// Reconcile executes the graph and returns one outcome per node in
// topological order. It never returns early: on cancellation, in-flight
// resources finish and every resource not yet started is Blocked.
func (r *Reconciler) Reconcile(ctx context.Context, runID string, graph *Graph) []Outcome {
	trackers := make(map[Identity]*tracker, graph.Len())
	ready := &identityHeap{}
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		trackers[id] = &tracker{node: node, remaining: len(node.Dependencies)}
		if len(node.Dependencies) == 0 {
			heap.Push(ready, id)
		}
	}

	done := make(chan Outcome)
	inFlight := 0
	finalized := 0
	stopReason := ""

	finalize := func(o Outcome) {
		t := trackers[o.Identity]
		t.outcome = &o
		finalized++
		r.notify.finished(ctx, runID, o)

		if o.Kind == OutcomeFailed && r.opts.FailFast && stopReason == "" {
			stopReason = ReasonFailFast
			r.logger.Warn().Str("resource", o.Identity.String()).Msg("Fail-fast: no new resources will start")
		}
		for _, dep := range t.node.Dependents {
			next := trackers[dep]
			next.remaining--
			if next.remaining == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	for finalized < len(trackers) {
		if stopReason == "" && ctx.Err() != nil {
			stopReason = ReasonCancelled
			r.logger.Warn().Int("in_flight", inFlight).Msg("Run cancelled: no new resources will start")
		}

		for stopReason == "" && inFlight < r.opts.Parallelism && ready.Len() > 0 {
			id := heap.Pop(ready).(Identity)
			t := trackers[id]

			if blockers := r.failedDependencies(t, trackers); len(blockers) > 0 {
				finalize(r.block(ctx, runID, t.node, ReasonDependencyFailed, blockers))
				continue
			}

			inFlight++
			go func(node *GraphNode) {
				done <- r.reconcileOne(ctx, runID, node)
			}(t.node)
		}

		if inFlight == 0 {
			if stopReason == "" && ready.Len() > 0 {
				continue
			}
			break
		}

		select {
		case o := <-done:
			inFlight--
			finalize(o)
		case <-ctx.Done():
			if stopReason == "" {
				continue
			}
			o := <-done
			inFlight--
			finalize(o)
		}
	}

	// Whatever has not finalized was never started.
	outcomes := make([]Outcome, 0, len(graph.Order))
	for _, id := range graph.Order {
		t := trackers[id]
		if t.outcome == nil {
			reason := stopReason
			if reason == "" {
				reason = ReasonCancelled
			}
			o := r.block(ctx, runID, t.node, reason, r.failedDependencies(t, trackers))
			t.outcome = &o
			r.notify.finished(ctx, runID, o)
		}
		outcomes = append(outcomes, *t.outcome)
	}

	return outcomes
}

// failedDependencies returns the dependencies of t that finalized as Failed or Blocked.
func (r *Reconciler) failedDependencies(t *tracker, trackers map[Identity]*tracker) []Identity {
	var out []Identity
	for _, dep := range t.node.Dependencies {
		if o := trackers[dep].outcome; o != nil && o.Kind.IsFailure() {
			out = append(out, dep)
		}
	}
	return out
}

// block finalizes a resource that will never be probed.
func (r *Reconciler) block(ctx context.Context, runID string, node *GraphNode, reason string, blockers []Identity) Outcome {
	r.notify.transition(ctx, runID, node.Identity, StatePending, StateBlocked)

	r.logger.Debug().
		Str("resource", node.Identity.String()).
		Str("reason", reason).
		Msg("Resource blocked")

	now := time.Now()
	return Outcome{
		Identity:    node.Identity,
		Description: Describe(node.Resource),
		Implicit:    node.Implicit,
		Kind:        OutcomeBlocked,
		State:       StateBlocked,
		Reason:      reason,
		BlockedBy:   blockers,
		CompletedAt: now,
	}
}
