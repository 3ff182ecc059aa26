package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/realize/pkg/engine"
)

// EventSubscriber handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher turns run notifications into a timeline of events and
// delivers them to subscribers in order. It implements engine.Observer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closed      bool
	dropped     atomic.Int64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Publish delivers an event. In async mode a full buffer drops the event.
func (ep *EventPublisher) Publish(event engine.Event) {
	if !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		ep.dropped.Add(1)
		return
	}
	select {
	case ep.buffer <- event:
	default:
		ep.dropped.Add(1)
	}
}

// Dropped returns how many events were dropped because the buffer was full
// or the publisher was shut down.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.buffer == nil {
		return nil
	}
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// RunStarted implements engine.Observer.
func (ep *EventPublisher) RunStarted(ctx context.Context, runID string, graph *engine.Graph) {
	ep.Publish(engine.Event{
		Type:    engine.EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run started with %d resources", graph.Len()),
	})
}

// ResourceTransition implements engine.Observer.
func (ep *EventPublisher) ResourceTransition(ctx context.Context, runID string, id engine.Identity, from, to engine.ResourceState) {
	ep.Publish(engine.Event{
		Type:     engine.EventTypeResourceTransition,
		RunID:    runID,
		Resource: id.String(),
		From:     from,
		To:       to,
		Message:  fmt.Sprintf("%s: %s -> %s", id, from, to),
	})
}

// ResourceFinished implements engine.Observer.
func (ep *EventPublisher) ResourceFinished(ctx context.Context, runID string, o engine.Outcome) {
	event := engine.Event{RunID: runID, Resource: o.Identity.String(), To: o.State}
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
	ep.Publish(event)
}

// RunFinished implements engine.Observer.
func (ep *EventPublisher) RunFinished(ctx context.Context, result *engine.RunResult) {
	event := engine.Event{
		Type:    engine.EventTypeRunCompleted,
		RunID:   result.ID,
		Message: result.String(),
	}
	if result.Status != engine.RunStatusSucceeded {
		event.Type = engine.EventTypeRunFailed
	}
	ep.Publish(event)
}

// JSONLines returns a subscriber writing one JSON object per event to w.
func JSONLines(w io.Writer) EventSubscriber {
	enc := json.NewEncoder(w)
	return func(event engine.Event) {
		_ = enc.Encode(event)
	}
}

// FilterByLevel only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{"info": 0, "warning": 1, "error": 2}
	threshold := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

var _ engine.Observer = (*EventPublisher)(nil)

// FilterByRunID only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}
