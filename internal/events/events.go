package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"promo-code-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCodeRedeemed is emitted when a code is delivered to a player
	EventCodeRedeemed EventType = "code.redeemed"
	// EventPlayerLocked is emitted when a partner response locks a player
	EventPlayerLocked EventType = "player.locked"
	// EventCodeDropped is emitted when a code leaves the queue undelivered
	EventCodeDropped EventType = "code.dropped"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CodeRedeemedData contains data for code redeemed events.
type CodeRedeemedData struct {
	Record models.AppliedRecord
}

// PlayerLockedData contains data for player locked events.
type PlayerLockedData struct {
	Lock models.PlayerLock
}

// CodeDroppedData contains data for code dropped events.
type CodeDroppedData struct {
	Site       string
	PromoCode  string
	Reason     string
	StatusCode int
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger.With("component", "events"),
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers[eventType]...)
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Handlers outlive the publisher's context.
	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				m.logger.Warn("event handler failed", "event", string(eventType), "error", err)
			}
		}(handler)
	}
}

// PublishCodeRedeemed publishes a code redeemed event.
func (m *Manager) PublishCodeRedeemed(ctx context.Context, rec models.AppliedRecord) {
	m.Publish(ctx, EventCodeRedeemed, CodeRedeemedData{Record: rec})
}

// PublishPlayerLocked publishes a player locked event.
func (m *Manager) PublishPlayerLocked(ctx context.Context, lock models.PlayerLock) {
	m.Publish(ctx, EventPlayerLocked, PlayerLockedData{Lock: lock})
}

// PublishCodeDropped publishes a code dropped event.
func (m *Manager) PublishCodeDropped(ctx context.Context, site, code, reason string, statusCode int) {
	m.Publish(ctx, EventCodeDropped, CodeDroppedData{
		Site:       site,
		PromoCode:  code,
		Reason:     reason,
		StatusCode: statusCode,
	})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
