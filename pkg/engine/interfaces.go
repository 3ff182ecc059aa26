package engine

import (
	"context"
	"sync"
)

// Observer receives run lifecycle notifications. Calls are serialized by the
// engine, so implementations need no locking of their own.
type Observer interface {
	// RunStarted is called once the graph is built and admitted, before any probe.
	RunStarted(ctx context.Context, runID string, graph *Graph)

	// ResourceTransition is called for every state change of a resource.
	ResourceTransition(ctx context.Context, runID string, id Identity, from, to ResourceState)

	// ResourceFinished is called when a resource reaches its final state.
	ResourceFinished(ctx context.Context, runID string, outcome Outcome)

	// RunFinished is called exactly once per run, including aborted runs.
	RunFinished(ctx context.Context, result *RunResult)
}

// Admitter decides whether a built graph may be executed. A non-nil error
// aborts the run before any resource is probed.
type Admitter interface {
	Admit(ctx context.Context, graph *Graph) error
}

// AdmitterFunc adapts a function to the Admitter interface.
type AdmitterFunc func(ctx context.Context, graph *Graph) error

// Admit calls f.
func (f AdmitterFunc) Admit(ctx context.Context, graph *Graph) error {
	return f(ctx, graph)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the notifications you need.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, string, *Graph) {}
func (NopObserver) ResourceTransition(context.Context, string, Identity, ResourceState, ResourceState) {}
func (NopObserver) ResourceFinished(context.Context, string, Outcome) {}
func (NopObserver) RunFinished(context.Context, *RunResult) {}

// notifier fans notifications out to observers one at a time.
type notifier struct {
	mu        sync.Mutex
	observers []Observer
}

func newNotifier(observers []Observer) *notifier {
	out := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return &notifier{observers: out}
}

func (n *notifier) runStarted(ctx context.Context, runID string, graph *Graph) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.RunStarted(ctx, runID, graph)
	}
}

func (n *notifier) transition(ctx context.Context, runID string, id Identity, from, to ResourceState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.ResourceTransition(ctx, runID, id, from, to)
	}
}

func (n *notifier) finished(ctx context.Context, runID string, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.ResourceFinished(ctx, runID, outcome)
	}
}

func (n *notifier) runFinished(ctx context.Context, result *RunResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.RunFinished(ctx, result)
	}
}
