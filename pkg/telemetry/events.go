package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit record of something that happened to a controller or operation.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the emitting component, "manager" or "controller".
	Source string `json:"source"`

	ControllerID string `json:"controller_id,omitempty"`
	OperationID  string `json:"operation_id,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`

	Message string `json:"message"`
	Level   string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeInvocationStarted  = "invocation.started"
	EventTypeInvocationFinished = "invocation.finished"
	EventTypeInvocationRejected = "invocation.rejected"
	EventTypeOperationLocked    = "operation.locked"
	EventTypeOperationUnlocked  = "operation.unlocked"
	EventTypeSensorActivated    = "sensor.activated"
	EventTypeSensorDeactivated  = "sensor.deactivated"
	EventTypeDriftDetected      = "drift.detected"
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

// EventPublisher fans events out to subscribers. A nil or disabled publisher
// accepts and drops everything.
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

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// NewEventPublisher starts the delivery goroutine when cfg.EnableAsync is set.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.run()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish stamps event with an id, time and level where missing, then
// delivers it, or queues it when the publisher is asynchronous. A full queue
// drops the event with an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if !ep.accepts(event) {
		return nil
	}

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.ctx.Done():
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return errBufferFull
	}
}

// PublishInvocationStarted publishes the start of an invocation.
func (ep *EventPublisher) PublishInvocationStarted(controllerID, operationID, invocationID, trigger string) error {
	return ep.Publish(Event{
		Type:         EventTypeInvocationStarted,
		Source:       "manager",
		ControllerID: controllerID,
		OperationID:  operationID,
		InvocationID: invocationID,
		Message:      fmt.Sprintf("Invocation %s of %s/%s started (%s)", invocationID, controllerID, operationID, trigger),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"trigger": trigger,
		},
	})
}

// PublishInvocationFinished publishes the terminal state of an invocation.
func (ep *EventPublisher) PublishInvocationFinished(controllerID, operationID, invocationID, state, message string, duration time.Duration) error {
	level := EventLevelInfo
	switch state {
	case "failed", "aborted":
		level = EventLevelWarning
	case "panicked":
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:         EventTypeInvocationFinished,
		Source:       "manager",
		ControllerID: controllerID,
		OperationID:  operationID,
		InvocationID: invocationID,
		Message:      fmt.Sprintf("Invocation %s of %s/%s finished: %s", invocationID, controllerID, operationID, state),
		Level:        level,
		Data: map[string]interface{}{
			"state":    state,
			"message":  message,
			"duration": duration.Seconds(),
		},
	})
}

// PublishInvocationRejected publishes a refused activation.
func (ep *EventPublisher) PublishInvocationRejected(controllerID, operationID, trigger, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeInvocationRejected,
		Source:       "manager",
		ControllerID: controllerID,
		OperationID:  operationID,
		Message:      fmt.Sprintf("Activation of %s/%s rejected: %s", controllerID, operationID, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"trigger": trigger,
			"reason":  reason,
		},
	})
}

// PublishLockChanged publishes a lock or unlock of an operation.
func (ep *EventPublisher) PublishLockChanged(controllerID, operationID string, locked bool, reason string) error {
	eventType, verb := EventTypeOperationUnlocked, "unlocked"
	if locked {
		eventType, verb = EventTypeOperationLocked, "locked"
	}
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "manager",
		ControllerID: controllerID,
		OperationID:  operationID,
		Message:      fmt.Sprintf("Operation %s/%s %s", controllerID, operationID, verb),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSensorChanged publishes a sensor activation or deactivation.
func (ep *EventPublisher) PublishSensorChanged(controllerID, operationID string, active bool) error {
	eventType, verb := EventTypeSensorDeactivated, "deactivated"
	if active {
		eventType, verb = EventTypeSensorActivated, "activated"
	}
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "manager",
		ControllerID: controllerID,
		OperationID:  operationID,
		Message:      fmt.Sprintf("Sensor of %s/%s %s", controllerID, operationID, verb),
		Level:        EventLevelInfo,
	})
}

// PublishDriftDetected publishes an observed deviation from the desired state.
func (ep *EventPublisher) PublishDriftDetected(controllerID, observed, desired string) error {
	return ep.Publish(Event{
		Type:         EventTypeDriftDetected,
		Source:       "controller",
		ControllerID: controllerID,
		Message:      fmt.Sprintf("Drift detected on %s", controllerID),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"observed": observed,
			"desired":  desired,
		},
	})
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops, before queueing, every event filter rejects.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) accepts(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// run delivers queued events once MaxBatchSize are pending or FlushInterval
// elapses. On stop the queue is drained before returning.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []Event
	flush := func() {
		for _, event := range pending {
			ep.deliver(event)
		}
		pending = pending[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			if pending = append(pending, event); len(pending) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					pending = append(pending, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subscribers {
		if s.filter == nil || s.filter(event) {
			s.subscriber(event)
		}
	}
}

// Shutdown stops accepting events and waits until the queue is delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
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
		return fmt.Errorf("event publisher did not drain: %w", ctx.Err())
	}
}

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel accepts events at minLevel or more severe.
func FilterByLevel(minLevel string) EventFilter {
	least := levelRank[minLevel]
	return func(event Event) bool { return levelRank[event.Level] >= least }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool { return slices.Contains(types, event.Type) }
}

// FilterByController accepts events of one controller group.
func FilterByController(controllerID string) EventFilter {
	return func(event Event) bool { return event.ControllerID == controllerID }
}
