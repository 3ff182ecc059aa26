package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource resolved to Unchanged or Changed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one resource is Failed or Blocked.
	RunStatusFailed RunStatus = "failed"

	// RunStatusAborted indicates a pre-execution error (conflict, cycle,
	// validation, policy) stopped the run before any resource was probed.
	RunStatusAborted RunStatus = "aborted"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusAborted || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusAborted, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType represents the kind of mutation a Change performs.
type OperationType string

const (
	// OperationCreate indicates the target does not exist and will be created.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates the target exists and will be modified in place.
	OperationUpdate OperationType = "update"

	// OperationDelete indicates the target will be removed.
	OperationDelete OperationType = "delete"

	// OperationRecreate indicates the target must be removed and created again,
	// e.g. a directory where a regular file is declared.
	OperationRecreate OperationType = "recreate"
)

// IsDestructive returns true if the operation removes existing data.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationRecreate
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationRecreate:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResourceState is the per-resource lifecycle state within a run.
type ResourceState string

const (
	StatePending     ResourceState = "pending"
	StateProbing     ResourceState = "probing"
	StateProbed      ResourceState = "probed"
	StateProbeFailed ResourceState = "probe_failed"
	StateDiffing     ResourceState = "diffing"
	StateSatisfied   ResourceState = "satisfied"
	StatePlanned     ResourceState = "planned"
	StateApplying    ResourceState = "applying"
	StateApplied     ResourceState = "applied"
	StateApplyFailed ResourceState = "apply_failed"
	StateBlocked     ResourceState = "blocked"
)

// transitions lists the legal successor states of each state.
var transitions = map[ResourceState][]ResourceState{
	StatePending:  {StateProbing, StateBlocked},
	StateProbing:  {StateProbed, StateProbeFailed},
	StateProbed:   {StateDiffing},
	StateDiffing:  {StateSatisfied, StatePlanned, StateProbeFailed},
	StatePlanned:  {StateApplying, StateBlocked},
	StateApplying: {StateApplied, StateApplyFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s ResourceState) CanTransition(next ResourceState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
// Planned is terminal only for dry runs, so it is not reported here.
func (s ResourceState) IsTerminal() bool {
	switch s {
	case StateSatisfied, StateApplied, StateProbeFailed, StateApplyFailed, StateBlocked:
		return true
	default:
		return false
	}
}

// Outcome maps a final state to its outcome category.
func (s ResourceState) Outcome() OutcomeKind {
	switch s {
	case StateSatisfied:
		return OutcomeUnchanged
	case StateApplied, StatePlanned:
		return OutcomeChanged
	case StateProbeFailed, StateApplyFailed:
		return OutcomeFailed
	default:
		return OutcomeBlocked
	}
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case StatePending, StateProbing, StateProbed, StateProbeFailed, StateDiffing,
		StateSatisfied, StatePlanned, StateApplying, StateApplied, StateApplyFailed,
		StateBlocked:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// OutcomeKind is the reported category of a resource's final state.
type OutcomeKind string

const (
	OutcomeUnchanged OutcomeKind = "unchanged"
	OutcomeChanged   OutcomeKind = "changed"
	OutcomeBlocked   OutcomeKind = "blocked"
	OutcomeFailed    OutcomeKind = "failed"
)

// IsFailure returns true for Blocked and Failed outcomes.
func (k OutcomeKind) IsFailure() bool {
	return k == OutcomeBlocked || k == OutcomeFailed
}

// Validate checks if the outcome kind is valid.
func (k OutcomeKind) Validate() error {
	switch k {
	case OutcomeUnchanged, OutcomeChanged, OutcomeBlocked, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome kind: %s", k)
	}
}

// Reasons recorded on Blocked outcomes.
const (
	ReasonDependencyFailed = "dependency failed"
	ReasonCancelled        = "cancelled"
	ReasonFailFast         = "fail-fast"
)

// EventType represents the type of timeline event.
type EventType string

const (
	EventTypeRunStarted         EventType = "run_started"
	EventTypeRunCompleted       EventType = "run_completed"
	EventTypeRunFailed          EventType = "run_failed"
	EventTypeResourceTransition EventType = "resource_transition"
	EventTypeResourceChanged    EventType = "resource_changed"
	EventTypeResourceFailed     EventType = "resource_failed"
	EventTypeResourceBlocked    EventType = "resource_blocked"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeResourceFailed:
		return "error"
	case EventTypeResourceBlocked:
		return "warning"
	default:
		return "info"
	}
}
