// Package events provides the in-process event bus. The pipeline, regime
// service, and backup jobs emit here; the status monitor and logs consume.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of system event.
type EventType string

const (
	CycleCompleted  EventType = "CYCLE_COMPLETED"
	RegimeAlert     EventType = "REGIME_ALERT"
	BackupCompleted EventType = "BACKUP_COMPLETED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event is a published system event with typed data.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// emitter's goroutine and must not block; subscribers that need buffering
// push into their own channel with a non-blocking send.
type Handler func(*Event)

// Bus fans events out to subscribers and logs each emission.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit publishes an event to all matching subscribers and logs it.
func (b *Bus) Emit(eventType EventType, module string, data EventData) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	targets = append(targets, b.handlers[eventType]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, h := range targets {
		h(event)
	}

	eventJSON, _ := json.Marshal(event)
	b.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError publishes an ErrorOccurred event.
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	b.Emit(ErrorOccurred, module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}
