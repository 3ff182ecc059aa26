package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is the persisted summary of one reconciliation run.
type Run struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	DryRun      bool          `json:"dry_run"`
	Hostname    string        `json:"hostname"`
	Sources     []string      `json:"sources"` // configuration files the run was built from
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Total     int `json:"total"`
	Unchanged int `json:"unchanged"`
	Changed   int `json:"changed"`
	Blocked   int `json:"blocked"`
	Failed    int `json:"failed"`

	// Error and ErrorClass are set for aborted runs.
	Error      *string `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the persisted result of one resource in a run.
type Outcome struct {
	RunID       string        `json:"run_id"`
	Seq         int           `json:"seq"` // position in the run's topological order
	Kind        string        `json:"kind"`
	Key         string        `json:"key"`
	Description string        `json:"description"`
	Implicit    bool          `json:"implicit"`
	Outcome     string        `json:"outcome"`
	State       string        `json:"state"`
	Operation   string        `json:"operation,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	DryRun      bool          `json:"dry_run"`
	Error       *string       `json:"error,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	BlockedBy   []string      `json:"blocked_by,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Event is an append-only timeline entry of a run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Resource  string    `json:"resource,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the run history persistence layer. History is write-mostly: the
// engine never reads it back to decide what to do.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// SaveRun writes a run with its outcomes and events atomically,
	// replacing any earlier record with the same ID.
	SaveRun(ctx context.Context, run *Run, outcomes []*Outcome, events []*Event) error

	// Run queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Outcome queries
	ListOutcomes(ctx context.Context, runID string) ([]*Outcome, error)
	ResourceHistory(ctx context.Context, kind, key string, limit int) ([]*Outcome, error)

	// Event queries
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
