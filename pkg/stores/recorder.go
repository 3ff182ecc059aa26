package stores

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/realize/pkg/engine"
)

// Recorder persists every run it observes. It implements engine.Observer:
// timeline events are buffered in memory and the whole run is written in one
// transaction when the run finishes.
type Recorder struct {
	store    Store
	logger   zerolog.Logger
	sources  []string
	hostname string
	keep     int

	mu      sync.Mutex
	pending map[string][]*Event
	lastErr error
}

var _ engine.Observer = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSources records the configuration files each run was built from.
func WithSources(paths ...string) RecorderOption {
	return func(r *Recorder) { r.sources = append([]string(nil), paths...) }
}

// WithRetention keeps only the newest n runs after each save. Zero keeps
// everything.
func WithRetention(n int) RecorderOption {
	return func(r *Recorder) { r.keep = n }
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "history").Logger(),
		pending: make(map[string][]*Event),
	}
	if h, err := os.Hostname(); err == nil {
		r.hostname = h
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Err returns the last persistence failure, if any. Observers cannot fail a
// run, so callers check this after the run.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Recorder) append(runID string, e engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[runID] = append(r.pending[runID], &Event{
		Type:      string(e.Type),
		Level:     e.Type.Severity(),
		Resource:  e.Resource,
		From:      string(e.From),
		To:        string(e.To),
		Message:   e.Message,
		Timestamp: time.Now(),
	})
}

// RunStarted implements engine.Observer.
func (r *Recorder) RunStarted(ctx context.Context, runID string, graph *engine.Graph) {
	r.append(runID, engine.Event{
		Type:    engine.EventTypeRunStarted,
		Message: fmt.Sprintf("Run started with %d resources", graph.Len()),
	})
}

// ResourceTransition implements engine.Observer.
func (r *Recorder) ResourceTransition(ctx context.Context, runID string, id engine.Identity, from, to engine.ResourceState) {
	r.append(runID, engine.Event{
		Type:     engine.EventTypeResourceTransition,
		Resource: id.String(),
		From:     from,
		To:       to,
		Message:  fmt.Sprintf("%s: %s -> %s", id, from, to),
	})
}

// ResourceFinished implements engine.Observer.
func (r *Recorder) ResourceFinished(ctx context.Context, runID string, o engine.Outcome) {
	event := engine.Event{Resource: o.Identity.String(), To: o.State}
	switch o.Kind {
	case engine.OutcomeChanged:
		event.Type = engine.EventTypeResourceChanged
		event.Message = o.Identity.String() + " changed"
		if o.Change != nil {
			event.Message = fmt.Sprintf("%s: %s", o.Identity, o.Change.Summary)
		}
	case engine.OutcomeFailed:
		event.Type = engine.EventTypeResourceFailed
		event.Message = fmt.Sprintf("%s failed: %s", o.Identity, o.Error())
	case engine.OutcomeBlocked:
		event.Type = engine.EventTypeResourceBlocked
		event.Message = fmt.Sprintf("%s blocked: %s", o.Identity, o.Reason)
	default:
		return
	}
	r.append(runID, event)
}

// RunFinished implements engine.Observer. The run is saved even when ctx is
// cancelled.
func (r *Recorder) RunFinished(ctx context.Context, result *engine.RunResult) {
	finished := engine.EventTypeRunCompleted
	if result.Status != engine.RunStatusSucceeded {
		finished = engine.EventTypeRunFailed
	}
	r.append(result.ID, engine.Event{Type: finished, Message: result.String()})

	r.mu.Lock()
	events := r.pending[result.ID]
	delete(r.pending, result.ID)
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	run, outcomes := r.records(result)
	err := r.store.SaveRun(ctx, run, outcomes, events)
	if err == nil && r.keep > 0 {
		if pruned, pErr := r.store.PruneRuns(ctx, r.keep); pErr != nil {
			err = pErr
		} else if pruned > 0 {
			r.logger.Debug().Int64("pruned", pruned).Msg("Old runs pruned")
		}
	}

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("run_id", result.ID).Msg("Failed to record run")
		return
	}
	r.logger.Debug().
		Str("run_id", result.ID).
		Int("outcomes", len(outcomes)).
		Int("events", len(events)).
		Msg("Run recorded")
}

func (r *Recorder) records(result *engine.RunResult) (*Run, []*Outcome) {
	run := &Run{
		ID:          result.ID,
		Status:      string(result.Status),
		DryRun:      result.DryRun,
		Hostname:    r.hostname,
		Sources:     r.sources,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Duration:    result.Duration,
		Total:       result.Summary.Total,
		Unchanged:   result.Summary.Unchanged,
		Changed:     result.Summary.Changed,
		Blocked:     result.Summary.Blocked,
		Failed:      result.Summary.Failed,
	}
	if result.Err != nil {
		msg := result.Err.Error()
		run.Error = &msg
		run.ErrorClass = string(engine.ClassOf(result.Err))
	}

	outcomes := make([]*Outcome, 0, len(result.Outcomes))
	for i, o := range result.Outcomes {
		rec := &Outcome{
			Seq:         i,
			Kind:        o.Identity.Kind,
			Key:         o.Identity.Key,
			Description: o.Description,
			Implicit:    o.Implicit,
			Outcome:     string(o.Kind),
			State:       string(o.State),
			DryRun:      o.DryRun,
			Reason:      o.Reason,
			CompletedAt: o.CompletedAt,
			Duration:    o.Duration,
		}
		if o.Change != nil {
			rec.Operation = string(o.Change.Operation)
			rec.Summary = o.Change.Summary
		}
		if o.Err != nil {
			msg := o.Err.Error()
			rec.Error = &msg
		}
		for _, id := range o.BlockedBy {
			rec.BlockedBy = append(rec.BlockedBy, id.String())
		}
		outcomes = append(outcomes, rec)
	}
	return run, outcomes
}
