package engine

import (
	"time"
)

// ProbeResult is an immutable snapshot of a target's observed state.
type ProbeResult struct {
	// Identity is the target that was observed.
	Identity Identity `json:"identity"`

	// ObservedAt is when the observation was taken.
	ObservedAt time.Time `json:"observed_at"`

	// State is the resource-specific observation.
	State any `json:"state,omitempty"`
}

// Change describes the mutation needed to move a target from its observed state
// to its desired state.
type Change struct {
	// Identity is the target being changed.
	Identity Identity `json:"identity"`

	// Operation is the kind of mutation.
	Operation OperationType `json:"operation"`

	// Summary is a one-line description, e.g. "create file (5 bytes)".
	Summary string `json:"summary"`

	// Before is a textual rendering of the observed state, used for diffs.
	Before string `json:"before,omitempty"`

	// After is a textual rendering of the desired state, used for diffs.
	After string `json:"after,omitempty"`

	// Textual is true when Before and After are human-readable text that
	// can be rendered as a line diff.
	Textual bool `json:"textual,omitempty"`

	// Payload carries resource-specific data from Diff to Apply.
	Payload any `json:"-"`
}

// Outcome is the final result for one resource in a run.
type Outcome struct {
	// Identity is the target.
	Identity Identity `json:"identity"`

	// Description is the human description of the declaration.
	Description string `json:"description"`

	// Implicit is true when the resource was implied by another declaration.
	Implicit bool `json:"implicit,omitempty"`

	// Kind is the outcome category.
	Kind OutcomeKind `json:"kind"`

	// State is the terminal state the resource reached.
	State ResourceState `json:"state"`

	// Change is the change that was planned or applied, if any.
	Change *Change `json:"change,omitempty"`

	// DryRun is true when the change was planned but not applied.
	DryRun bool `json:"dry_run,omitempty"`

	// Err is the probe or apply failure for Failed outcomes.
	Err error `json:"-"`

	// Reason explains a Blocked outcome.
	Reason string `json:"reason,omitempty"`

	// BlockedBy lists the failed or blocked predecessors.
	BlockedBy []Identity `json:"blocked_by,omitempty"`

	// StartedAt is when the resource left the pending state.
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the resource reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the time spent probing, diffing and applying.
	Duration time.Duration `json:"duration"`
}

// Error returns the failure message, or the empty string.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunResult is the aggregate result of one reconciliation run.
type RunResult struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Status is the overall status.
	Status RunStatus `json:"status"`

	// DryRun is true when no changes were applied.
	DryRun bool `json:"dry_run,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`

	// Outcomes holds one entry per resource, in topological order.
	Outcomes []Outcome `json:"outcomes"`

	// Summary counts outcomes per category.
	Summary RunSummary `json:"summary"`

	// Err is the pre-execution error that aborted the run, if any.
	Err error `json:"-"`

	// Graph is the dependency graph the run executed, nil when the run
	// aborted before the graph was built.
	Graph *Graph `json:"-"`
}

// Outcome returns the outcome for an identity.
func (r *RunResult) Outcome(id Identity) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Identity == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// RunSummary counts outcomes per category.
type RunSummary struct {
	Total     int `json:"total"`
	Unchanged int `json:"unchanged"`
	Changed   int `json:"changed"`
	Blocked   int `json:"blocked"`
	Failed    int `json:"failed"`
}

// Add counts one outcome.
func (s *RunSummary) Add(kind OutcomeKind) {
	s.Total++
	switch kind {
	case OutcomeUnchanged:
		s.Unchanged++
	case OutcomeChanged:
		s.Changed++
	case OutcomeBlocked:
		s.Blocked++
	case OutcomeFailed:
		s.Failed++
	}
}

// OK reports whether every resource resolved to Unchanged or Changed.
func (s RunSummary) OK() bool {
	return s.Blocked == 0 && s.Failed == 0
}

// Event is a timeline event emitted during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Resource is the target, if applicable.
	Resource string `json:"resource,omitempty"`

	// From and To are the states of a transition event.
	From ResourceState `json:"from,omitempty"`
	To   ResourceState `json:"to,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EdgeType distinguishes how a dependency edge was derived.
type EdgeType string

const (
	// EdgeStructural is derived from path containment: a directory before its contents.
	EdgeStructural EdgeType = "structural"

	// EdgeExplicit is declared with After.
	EdgeExplicit EdgeType = "explicit"
)

// GraphEdge is a "must finalize before" edge.
type GraphEdge struct {
	From Identity `json:"from"`
	To   Identity `json:"to"`
	Type EdgeType `json:"type"`
}

// GraphNode is a resource in the dependency graph.
type GraphNode struct {
	// Resource is the winning declaration for this identity.
	Resource Resource `json:"-"`

	// Identity is the target.
	Identity Identity `json:"identity"`

	// Implicit is true when no explicit declaration named this identity.
	Implicit bool `json:"implicit,omitempty"`

	// Seq is the registration sequence of the first declaration.
	Seq int `json:"seq"`

	// Level is the execution level (longest path from a root).
	Level int `json:"level"`

	// Dependencies are the identities that must finalize first, sorted.
	Dependencies []Identity `json:"dependencies,omitempty"`

	// Dependents are the identities waiting on this node, sorted.
	Dependents []Identity `json:"dependents,omitempty"`
}
