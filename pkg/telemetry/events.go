package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about the progress of a seek.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SeekID is the associated seek, if applicable.
	SeekID string `json:"seek_id,omitempty"`

	// PlanID is the associated plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// NodeID is the associated plan node, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Task is the job id of the associated node, if applicable.
	Task string `json:"task,omitempty"`

	// Path is the state path of the associated node, if applicable.
	Path string `json:"path,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSeekStarted   = "seek.started"
	EventTypeSeekConverged = "seek.converged"
	EventTypeSeekFailed    = "seek.failed"
	EventTypeSeekCancelled = "seek.cancelled"
	EventTypePlanFound     = "plan.found"
	EventTypeReplanning    = "seek.replanning"
	EventTypeWaveStarted   = "wave.started"
	EventTypeWaveCommitted = "wave.committed"
	EventTypeNodeStarted   = "node.started"
	EventTypeNodeCompleted = "node.completed"
	EventTypeNodeFailed    = "node.failed"
	EventTypeNodeAborted   = "node.aborted"
	EventTypePolicyDenied  = "policy.denied"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		if cfg.MaxBatchSize <= 0 {
			ep.config.MaxBatchSize = 1
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "worker"
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSeekStarted publishes a seek started event.
func (ep *EventPublisher) PublishSeekStarted(seekID string, mismatches int) error {
	return ep.Publish(Event{
		Type:    EventTypeSeekStarted,
		SeekID:  seekID,
		Message: fmt.Sprintf("Seek %s started with %d mismatches", seekID, mismatches),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"mismatches": mismatches,
		},
	})
}

// PublishSeekFinished publishes the terminal event of a seek. status is one
// of converged, failed or cancelled.
func (ep *EventPublisher) PublishSeekFinished(seekID, status string, duration time.Duration, err error) error {
	ev := Event{
		SeekID:  seekID,
		Message: fmt.Sprintf("Seek %s finished: %s", seekID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	switch status {
	case "converged":
		ev.Type = EventTypeSeekConverged
	case "cancelled":
		ev.Type = EventTypeSeekCancelled
		ev.Level = EventLevelWarning
	default:
		ev.Type = EventTypeSeekFailed
		ev.Level = EventLevelError
	}
	if err != nil {
		ev.Data["error"] = err.Error()
	}
	return ep.Publish(ev)
}

// PublishPlanFound publishes a plan found event.
func (ep *EventPublisher) PublishPlanFound(seekID, planID string, nodes, waves int) error {
	return ep.Publish(Event{
		Type:    EventTypePlanFound,
		SeekID:  seekID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s found with %d nodes in %d waves", planID, nodes, waves),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"nodes": nodes,
			"waves": waves,
		},
	})
}

// PublishReplanning publishes a replanning event.
func (ep *EventPublisher) PublishReplanning(seekID, planID, reason string, attempt int) error {
	return ep.Publish(Event{
		Type:    EventTypeReplanning,
		SeekID:  seekID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s discarded: %s", planID, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason":  reason,
			"attempt": attempt,
		},
	})
}

// PublishWaveStarted publishes a wave started event.
func (ep *EventPublisher) PublishWaveStarted(seekID, planID string, index int, nodes []string) error {
	return ep.Publish(Event{
		Type:    EventTypeWaveStarted,
		SeekID:  seekID,
		PlanID:  planID,
		Message: fmt.Sprintf("Wave %d started with %d nodes", index, len(nodes)),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"index": index,
			"nodes": nodes,
		},
	})
}

// PublishWaveCommitted publishes a wave committed event.
func (ep *EventPublisher) PublishWaveCommitted(seekID, planID string, index int, version uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeWaveCommitted,
		SeekID:  seekID,
		PlanID:  planID,
		Message: fmt.Sprintf("Wave %d committed at version %d", index, version),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"index":   index,
			"version": version,
		},
	})
}

// PublishNodeStarted publishes a node started event.
func (ep *EventPublisher) PublishNodeStarted(seekID, planID, nodeID, task, path string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeStarted,
		SeekID:  seekID,
		PlanID:  planID,
		NodeID:  nodeID,
		Task:    task,
		Path:    path,
		Message: fmt.Sprintf("Node %s started: %s at %s", nodeID, task, path),
		Level:   EventLevelInfo,
	})
}

// PublishNodeCompleted publishes a node completed event.
func (ep *EventPublisher) PublishNodeCompleted(seekID, planID, nodeID, task, path string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeCompleted,
		SeekID:  seekID,
		PlanID:  planID,
		NodeID:  nodeID,
		Task:    task,
		Path:    path,
		Message: fmt.Sprintf("Node %s completed: %s at %s", nodeID, task, path),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishNodeFailed publishes a node failed event.
func (ep *EventPublisher) PublishNodeFailed(seekID, planID, nodeID, task, path string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeFailed,
		SeekID:  seekID,
		PlanID:  planID,
		NodeID:  nodeID,
		Task:    task,
		Path:    path,
		Message: fmt.Sprintf("Node %s failed: %s at %s", nodeID, task, path),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"error": err.Error(),
		},
	})
}

// PublishNodeAborted publishes a node aborted event.
func (ep *EventPublisher) PublishNodeAborted(seekID, planID, nodeID, task, path string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeAborted,
		SeekID:  seekID,
		PlanID:  planID,
		NodeID:  nodeID,
		Task:    task,
		Path:    path,
		Message: fmt.Sprintf("Node %s aborted: %s at %s", nodeID, task, path),
		Level:   EventLevelWarning,
	})
}

// PublishPolicyDenied publishes a plan rejected by policy.
func (ep *EventPublisher) PublishPolicyDenied(seekID, planID string, reasons []string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		SeekID:  seekID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s denied by policy", planID),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reasons": reasons,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, on a full batch or
// every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every subscriber whose filter accepts event, in
// subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySeekID creates a filter that only allows events of one seek.
func FilterBySeekID(seekID string) EventFilter {
	return func(event Event) bool {
		return event.SeekID == seekID
	}
}
