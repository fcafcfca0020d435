package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/equiplace/equiplace/pkg/engine"
)

var _ engine.EventPublisher = (*EventPublisher)(nil)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event. Subscribers are called in publish order.
type EventSubscriber func(ctx context.Context, event *engine.Event) error

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans placement events out to subscribers, either synchronously
// or through a buffered queue drained by one worker.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan queuedEvent
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
}

type queuedEvent struct {
	ctx   context.Context
	event *engine.Event
}

type subscriberEntry struct {
	name       string
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan queuedEvent, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all subscribers. Subscriber errors are logged, not
// returned; an error means the event was not accepted.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(ctx, event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe adds a named subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(name string, subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		name:       name,
		subscriber: subscriber,
		filter:     filter,
	})
}

// SubscribeSink forwards events to another publisher, such as the history store.
func (ep *EventPublisher) SubscribeSink(name string, sink engine.EventPublisher, filter EventFilter) {
	ep.Subscribe(name, sink.Publish, filter)
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer until shutdown, then delivers what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case q := <-ep.buffer:
			ep.deliverEvent(q.ctx, q.event)
		case <-ep.done:
			for {
				select {
				case q := <-ep.buffer:
					ep.deliverEvent(q.ctx, q.event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in order.
func (ep *EventPublisher) deliverEvent(ctx context.Context, event *engine.Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber(ctx, event); err != nil {
			log.Warn().Err(err).
				Str("subscriber", entry.name).
				Str("event_type", string(event.Type)).
				Msg("Event subscriber failed")
		}
	}
}

// Shutdown stops accepting events and waits until queued events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// ExcludeTypes creates a filter that drops events of the given types.
func ExcludeTypes(types ...engine.EventType) EventFilter {
	include := FilterByType(types...)
	return func(event *engine.Event) bool {
		return !include(event)
	}
}

// FilterByPlacementID creates a filter that only allows events of one placement.
func FilterByPlacementID(placementID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.PlacementID == placementID
	}
}
