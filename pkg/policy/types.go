package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity abort a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. Violations are read
// from the deny set of the module's package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the identity that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

func (v PolicyViolation) String() string {
	if v.Resource != "" {
		return v.Policy + ": " + v.Resource + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	// Resources holds every graph node in execution order.
	Resources []ResourceInput `json:"resources"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// ResourceInput describes one graph node.
type ResourceInput struct {
	Identity     string   `json:"identity"`
	Kind         string   `json:"kind"`
	Key          string   `json:"key"`
	Description  string   `json:"description"`
	Implicit     bool     `json:"implicit"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Desired is the resource's desired state, JSON-decoded.
	Desired any `json:"desired,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Hostname is the machine being reconciled.
	Hostname string `json:"hostname,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}
