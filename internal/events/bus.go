// Package events provides the in-process event bus used for position
// lifecycle and gateway telemetry. Subscribers run on their own goroutines
// so publishing never blocks the trading loops.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened           EventType = "POSITION_OPENED"
	EventPositionScaledOut        EventType = "POSITION_SCALED_OUT"
	EventPositionClosed           EventType = "POSITION_CLOSED"
	EventPositionAdopted          EventType = "POSITION_ADOPTED"
	EventPositionExternallyClosed EventType = "POSITION_EXTERNALLY_CLOSED"
	EventStopUpdated              EventType = "STOP_UPDATED"
	EventTargetUpdated            EventType = "TARGET_UPDATED"
	EventGatewayCall              EventType = "GATEWAY_CALL"
	EventBreakerStateChanged      EventType = "BREAKER_STATE_CHANGED"
)

// PositionEvent records one position transition for logging and metrics.
type PositionEvent struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Reason    string    `json:"reason_code"`
	Price     float64   `json:"price_at_event"`
	PnLPct    float64   `json:"pnl_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// GatewayEvent records one gateway call attempt.
type GatewayEvent struct {
	Operation string        `json:"operation"`
	Attempt   int           `json:"attempt"`
	Outcome   string        `json:"outcome"` // ok, retryable, terminal, fatal
	Latency   time.Duration `json:"latency"`
}

// Event is one published record.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Position  *PositionEvent         `json:"position,omitempty"`
	Gateway   *GatewayEvent          `json:"gateway,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPosition publishes a position transition event.
func (b *Bus) PublishPosition(eventType EventType, pe PositionEvent) {
	if pe.Timestamp.IsZero() {
		pe.Timestamp = time.Now()
	}
	b.Publish(Event{Type: eventType, Position: &pe})
}

// PublishGatewayCall publishes one gateway call attempt record.
func (b *Bus) PublishGatewayCall(ge GatewayEvent) {
	b.Publish(Event{Type: EventGatewayCall, Gateway: &ge})
}

// PublishBreakerState publishes a circuit breaker state transition.
func (b *Bus) PublishBreakerState(state string) {
	b.Publish(Event{
		Type: EventBreakerStateChanged,
		Data: map[string]interface{}{"state": state},
	})
}
