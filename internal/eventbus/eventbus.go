// Package eventbus provides a synchronous typed publish/subscribe broadcast.
// It is grounded on a subscriber-map-plus-panic-recovered-handler design,
// but Publish is synchronous by default: ordering correctness for
// "before"/"after" transitions requires it, which an async worker-pool
// broadcast would not provide.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-desktop/trading-core/pkg/logging"
)

// Type is the category of a published event.
type Type string

const (
	TypePositionTimeoutWarning  Type = "POSITION_TIMEOUT_WARNING"
	TypePositionTimeoutCritical Type = "POSITION_TIMEOUT_CRITICAL"
	TypePositionTimeoutTriggered Type = "POSITION_TIMEOUT_TRIGGERED"
	TypeHealthScoreUpdated      Type = "HEALTH_SCORE_UPDATED"
	TypeDangerLevelChanged      Type = "DANGER_LEVEL_CHANGED"
	TypeRiskAlertTriggered      Type = "RISK_ALERT_TRIGGERED"
	TypeEmergencyCloseTriggered Type = "EMERGENCY_CLOSE_TRIGGERED"
	TypeOrderExecutionStarted   Type = "ORDER_EXECUTION_STARTED"
	TypeOrderExecutionFailed    Type = "ORDER_EXECUTION_FAILED"
	TypeOrderExecutionTimeout   Type = "ORDER_EXECUTION_TIMEOUT"
	TypeShutdownStarted         Type = "SHUTDOWN_STARTED"
	TypeShutdownCompleted       Type = "SHUTDOWN_COMPLETED"
	TypeShutdownFailed          Type = "SHUTDOWN_FAILED"
	TypeStatePersisted          Type = "STATE_PERSISTED"
	TypeStateRecovered          Type = "STATE_RECOVERED"
)

// Event is the envelope every publish carries. Payload is the typed event
// body (e.g. a RiskAlertPayload); callers type-assert on it.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes one event. An error is logged but never stops delivery
// to the remaining subscribers.
type Handler func(Event) error

// unsubscribe removes the subscription it was returned from.
type unsubscribe func()

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous typed event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscription
	allSubs     []subscription
	logger      logging.Logger
}

// New constructs an empty Bus.
func New(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{
		subscribers: make(map[Type][]subscription),
		logger:      logger,
	}
}

// Subscribe registers handler for events of the given type, returning an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers handler for every event type published.
func (b *Bus) SubscribeAll(handler Handler) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Publish synchronously invokes every matching handler in registration
// order, on the calling goroutine. Handler panics are recovered and logged
// so one bad subscriber never crashes the publisher or blocks its peers.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := append([]subscription(nil), b.subscribers[e.Type]...)
	all := append([]subscription(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, s := range typed {
		b.invoke(s, e)
	}
	for _, s := range all {
		b.invoke(s, e)
	}
}

func (b *Bus) invoke(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				logging.String("subscription_id", s.id),
				logging.Any("panic", r),
				logging.String("event_type", string(e.Type)),
			)
		}
	}()
	if err := s.handler(e); err != nil {
		b.logger.Warn("event handler returned error",
			logging.String("subscription_id", s.id),
			logging.String("event_type", string(e.Type)),
			logging.Err(err),
		)
	}
}
