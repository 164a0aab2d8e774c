// Package events provides in-process event publishing for engine
// lifecycle moments: awards granted, choices created, claimed, expired.
//
// The Manager implements loyalty.Notifier. Handlers run asynchronously
// so a slow subscriber (push notification sender, analytics sink) never
// blocks a trigger or claim.
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voyageworks/loyalty-engine/loyalty"
)

// EventType represents the type of event.
type EventType string

const (
	// EventAwardGranted is emitted whenever awards are applied, whether
	// from an immediate plan or a claimed choice
	EventAwardGranted EventType = "award.granted"
	// EventChoiceCreated is emitted when a multi-group plan parks a
	// pending choice
	EventChoiceCreated EventType = "choice.created"
	// EventChoiceClaimed is emitted when a claim resolves successfully
	EventChoiceClaimed EventType = "choice.claimed"
	// EventChoicesExpired is emitted after an expiration sweep flips at
	// least one choice
	EventChoicesExpired EventType = "choice.expired"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// AwardGrantedData contains data for award granted events.
type AwardGrantedData struct {
	CustomerID loyalty.CustomerID
	BusinessID loyalty.BusinessID
	Results    []loyalty.AppliedAward
	SourceKey  string
}

// ChoiceCreatedData contains data for choice created events.
type ChoiceCreatedData struct {
	Choice loyalty.PendingChoice
}

// ChoiceClaimedData contains data for choice claimed events.
type ChoiceClaimedData struct {
	Choice  loyalty.PendingChoice
	Results []loyalty.AppliedAward
}

// ChoicesExpiredData contains data for expiration sweep events.
type ChoicesExpiredData struct {
	Count   int
	SweptAt time.Time
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

	// Handlers run detached so publishing never blocks the engine.
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				log.Printf("[Events] Handler for %s failed: %v", event.Type, err)
			}
		}(handler)
	}
}

// Shutdown stops publishing and drops all handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}

// =============================================================================
// loyalty.Notifier IMPLEMENTATION
// =============================================================================

func (m *Manager) AwardGranted(ctx context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, results []loyalty.AppliedAward, sourceKey string) {
	m.Publish(ctx, EventAwardGranted, AwardGrantedData{
		CustomerID: customerID,
		BusinessID: businessID,
		Results:    results,
		SourceKey:  sourceKey,
	})
}

func (m *Manager) ChoiceCreated(ctx context.Context, choice loyalty.PendingChoice) {
	m.Publish(ctx, EventChoiceCreated, ChoiceCreatedData{Choice: choice})
}

func (m *Manager) ChoiceClaimed(ctx context.Context, choice loyalty.PendingChoice, results []loyalty.AppliedAward) {
	m.Publish(ctx, EventChoiceClaimed, ChoiceClaimedData{Choice: choice, Results: results})
}

func (m *Manager) ChoicesExpired(ctx context.Context, count int) {
	m.Publish(ctx, EventChoicesExpired, ChoicesExpiredData{Count: count, SweptAt: time.Now()})
}
