package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassConflict indicates two declarations of one identity disagree.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCycle indicates the dependency graph is not acyclic.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassValidation indicates an invalid declaration or option.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPolicy indicates an admission policy rejected the run.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassProbe indicates a resource could not be observed.
	ErrorClassProbe ErrorClass = "probe"

	// ErrorClassApply indicates a resource change could not be performed.
	ErrorClassApply ErrorClass = "apply"

	// ErrorClassCancelled indicates the run was cancelled.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// IsPreExecution returns true for classes that abort a run before any probe.
func (c ErrorClass) IsPreExecution() bool {
	return c == ErrorClassConflict || c == ErrorClassCycle ||
		c == ErrorClassValidation || c == ErrorClassPolicy
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the phase being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, message, err).WithCode(ErrCodeValidation)
}

// NewPolicyError creates a new policy error.
func NewPolicyError(message string, err error) *EngineError {
	return newError(ErrorClassPolicy, message, err).WithCode(ErrCodePolicyDenied)
}

// NewProbeError creates a new probe error for a resource.
func NewProbeError(id Identity, err error) *EngineError {
	return newError(ErrorClassProbe, "probe failed", err).
		WithResource(id.String()).
		WithOperation("probe").
		WithCode(codeFor(err, ErrCodeProbeFailed))
}

// NewApplyError creates a new apply error for a resource.
func NewApplyError(id Identity, err error) *EngineError {
	return newError(ErrorClassApply, "apply failed", err).
		WithResource(id.String()).
		WithOperation("apply").
		WithCode(codeFor(err, ErrCodeApplyFailed))
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(err error) *EngineError {
	return newError(ErrorClassCancelled, "run cancelled", err).WithCode(ErrCodeCancelled)
}

// Conflict is a pair of declarations for one identity with different desired states.
type Conflict struct {
	Identity Identity `json:"identity"`
	First    string   `json:"first"`
	Second   string   `json:"second"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s vs %s", c.Identity, c.First, c.Second)
}

// NewConflictError creates a conflict error listing every conflicting pair.
func NewConflictError(conflicts []Conflict) *EngineError {
	parts := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		parts = append(parts, c.String())
	}
	msg := fmt.Sprintf("%d conflicting declaration(s): %s", len(conflicts), strings.Join(parts, "; "))
	return newError(ErrorClassConflict, msg, nil).
		WithCode(ErrCodeConflict).
		WithDetail(detailConflicts, conflicts)
}

// NewCycleError creates a cycle error carrying the cycle path.
// The path starts and ends with the same identity.
func NewCycleError(path []Identity) *EngineError {
	return newError(ErrorClassCycle,
		fmt.Sprintf("circular dependency detected: %s", formatCycle(path)), nil).
		WithCode(ErrCodeCycle).
		WithDetail(detailCycle, path)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of an engine error, or the empty class.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }

// IsCycle returns true if the error is classified as a cycle.
func IsCycle(err error) bool { return ClassOf(err) == ErrorClassCycle }

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool { return ClassOf(err) == ErrorClassValidation }

// IsPolicy returns true if the error is classified as a policy rejection.
func IsPolicy(err error) bool { return ClassOf(err) == ErrorClassPolicy }

// IsProbe returns true if the error is classified as a probe failure.
func IsProbe(err error) bool { return ClassOf(err) == ErrorClassProbe }

// IsApply returns true if the error is classified as an apply failure.
func IsApply(err error) bool { return ClassOf(err) == ErrorClassApply }

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool { return ClassOf(err) == ErrorClassCancelled }

// IsPreExecution returns true if the error aborts a run before execution.
func IsPreExecution(err error) bool { return ClassOf(err).IsPreExecution() }

// ConflictsOf returns the conflicting pairs carried by a conflict error.
func ConflictsOf(err error) []Conflict {
	var e *EngineError
	if !errors.As(err, &e) {
		return nil
	}
	conflicts, _ := e.Details[detailConflicts].([]Conflict)
	return conflicts
}

// CyclePath returns the cycle carried by a cycle error.
func CyclePath(err error) []Identity {
	var e *EngineError
	if !errors.As(err, &e) {
		return nil
	}
	path, _ := e.Details[detailCycle].([]Identity)
	return path
}

// CodedError lets resource implementations attach an error code to probe
// and apply failures, e.g. PERMISSION_DENIED.
type CodedError interface {
	error
	ErrorCode() string
}

func codeFor(err error, fallback string) string {
	var coded CodedError
	if errors.As(err, &coded) && coded.ErrorCode() != "" {
		return coded.ErrorCode()
	}
	return fallback
}

const (
	detailConflicts = "conflicts"
	detailCycle     = "cycle"
)

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeNotDirectory     = "NOT_DIRECTORY"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCycle            = "CYCLE"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeApplyFailed      = "APPLY_FAILED"
	ErrCodeNotConverged     = "NOT_CONVERGED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrRegistrySealed is returned by Ensure once the registration phase has ended.
var ErrRegistrySealed = errors.New("registry is sealed")
