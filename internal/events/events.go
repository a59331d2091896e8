package events

import (
	"context"
	"sync"
	"time"

	"geofence-notification-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventReceived is emitted when a geofence webhook is accepted
	EventReceived EventType = "geofence.event_received"
	// EventEvaluated is emitted after every evaluation with its verdict
	EventEvaluated EventType = "eligibility.evaluated"
	// EventDispatched is emitted when a notification is handed to the transport
	EventDispatched EventType = "notification.dispatched"
	// EventConfigUpdated is emitted when a new throttle config version is written
	EventConfigUpdated EventType = "config.updated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ReceivedData contains data for webhook-received events.
type ReceivedData struct {
	Event models.GeofenceEvent
}

// EvaluatedData contains data for evaluation events.
type EvaluatedData struct {
	UserID  int64
	BrandID int64
	Reason  string
}

// DispatchedData contains data for dispatched notifications.
type DispatchedData struct {
	UserID  int64
	BrandID int64
	OfferID int64
}

// ConfigUpdatedData contains data for config version changes.
type ConfigUpdatedData struct {
	Version int64
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Handlers run asynchronously so publishing never blocks an evaluation.
	for _, handler := range handlers {
		go func(h Handler) {
			_ = h(ctx, event)
		}(handler)
	}
}

// PublishReceived publishes a webhook-received event.
func (m *Manager) PublishReceived(ctx context.Context, ev models.GeofenceEvent) {
	m.Publish(ctx, EventReceived, ReceivedData{Event: ev})
}

// PublishEvaluated publishes an evaluation outcome.
func (m *Manager) PublishEvaluated(ctx context.Context, userID, brandID int64, reason string) {
	m.Publish(ctx, EventEvaluated, EvaluatedData{UserID: userID, BrandID: brandID, Reason: reason})
}

// PublishDispatched publishes a dispatched notification.
func (m *Manager) PublishDispatched(ctx context.Context, userID, brandID, offerID int64) {
	m.Publish(ctx, EventDispatched, DispatchedData{UserID: userID, BrandID: brandID, OfferID: offerID})
}

// PublishConfigUpdated publishes a config version change.
func (m *Manager) PublishConfigUpdated(ctx context.Context, version int64) {
	m.Publish(ctx, EventConfigUpdated, ConfigUpdatedData{Version: version})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
