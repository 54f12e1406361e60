package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event.
type EventType string

const (
	// EventDispatchCompleted is emitted after a real or dry-run dispatch
	EventDispatchCompleted EventType = "dispatch.completed"
	// EventDispatchShortCircuited is emitted when an offer was already sent
	EventDispatchShortCircuited EventType = "dispatch.short_circuited"
	// EventDispatchRateLimited is emitted when a venue hits its send limit
	EventDispatchRateLimited EventType = "dispatch.rate_limited"
	// EventTokensDeactivated is emitted after invalid tokens were turned off
	EventTokensDeactivated EventType = "tokens.deactivated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DispatchCompletedData contains data for dispatch completed events.
type DispatchCompletedData struct {
	OfferID    string `json:"offerId"`
	VenueID    string `json:"venueId"`
	Targeted   int    `json:"targetedUserCount"`
	Sent       int    `json:"sentCount"`
	Failed     int    `json:"failedCount"`
	DryRun     bool   `json:"dryRun"`
	CallerID   string `json:"callerId"`
	MarkedSent bool   `json:"pushSentMarked"`
}

// ShortCircuitedData contains data for short circuited events.
type ShortCircuitedData struct {
	OfferID string `json:"offerId"`
	Pending bool   `json:"pendingReconcile"`
}

// RateLimitedData contains data for rate limited events.
type RateLimitedData struct {
	OfferID      string    `json:"offerId"`
	VenueID      string    `json:"venueId"`
	CurrentCount int       `json:"currentCount"`
	Limit        int       `json:"limit"`
	ResetsAt     time.Time `json:"resetsAt"`
}

// TokensDeactivatedData contains data for tokens deactivated events.
type TokensDeactivatedData struct {
	OfferID string `json:"offerId"`
	Count   int64  `json:"count"`
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  func() bool
	log      *zap.Logger
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates a new event manager. enabled is consulted on every
// Publish; nil means always on.
func NewManager(enabled func() bool, log *zap.Logger) *Manager {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		log:      log,
		now:      time.Now,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish hands the event to every subscribed handler asynchronously. The
// handlers outlive the caller's request, so they get a context without its
// deadline.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled() {
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
		Timestamp: m.now().UTC(),
		Data:      data,
	}
	hctx := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				m.log.Warn("event handler failed", zap.String("event", string(event.Type)), zap.Error(err))
			}
		}(handler)
	}
}

// Shutdown waits for in-flight handlers until ctx is done and drops every
// subscription.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()
	return err
}
