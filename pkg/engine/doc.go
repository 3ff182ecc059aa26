// Package engine provides the core of the realize reconciliation engine.
//
// # Overview
//
// A caller declares the desired state of resources on the local machine, and
// the engine converges the machine toward that state, reporting exactly what
// changed. A run has four phases:
//
//  1. Register - the configure routine ensures resources on a fresh Reality
//  2. Seal - the registry stops accepting declarations
//  3. Build - declarations are merged into a dependency Graph (GraphBuilder)
//  4. Reconcile - every resource is probed, diffed and, if needed, applied (Reconciler)
//
// Conflicting declarations, unknown ordering hints and dependency cycles are
// detected in the Build phase and abort the run before any resource is probed.
//
// # Resources
//
// A resource implements the Resource interface:
//
//	type Resource interface {
//	    Identity() Identity
//	    Desired() any
//	    Probe(ctx context.Context) (ProbeResult, error)
//	    Diff(observed ProbeResult) *Change
//	    Apply(ctx context.Context, change *Change) error
//	}
//
// Probe must not mutate the system, Diff must be pure, and after Apply a fresh
// Probe and Diff must return nil. The engine checks the last property after
// every apply unless Options.SkipVerify is set.
//
// # Ordering
//
// A path resource depends on its nearest declared ancestor path, so a
// directory is always finalized before anything inside it. Removals are the
// exception: when a resource and its ancestor both implement Remover and
// remove, the resource goes first so the ancestor is empty. Additional edges
// are declared with After. Among resources that are ready at the same time,
// the one with the smallest Identity runs first, which makes runs with
// Parallelism 1 fully deterministic.
//
// # Failure handling
//
// Probe and apply failures are isolated to the failing resource; its
// dependents are reported as Blocked without being probed, and unrelated
// resources still run. The engine never retries.
//
// # Usage
//
//	eng := engine.New(engine.Options{Parallelism: 4}, engine.WithLogger(logger))
//	result, err := eng.Run(ctx, func(r *engine.Reality) error {
//	    return r.Ensure(fs.File("/tmp/x").ContainsString("hello"))
//	})
package engine
