// Package lifecycle implements holding-time tracking, timeout warnings, and
// emergency close orchestration. Adapted from an account-wide kill-switch
// trigger plumbing (non-blocking event send on trigger) into a per-position
// lifecycle state machine.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/internal/errs"
	"github.com/atlas-desktop/trading-core/internal/eventbus"
	"github.com/atlas-desktop/trading-core/internal/execution"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Config configures the manager.
type Config struct {
	WarningThresholdMinutes float64
	MaxHoldingTimeMinutes   float64
	EnableAutomaticTimeout  bool
}

// DefaultConfig returns the manager's default configuration.
func DefaultConfig() Config {
	return Config{
		WarningThresholdMinutes: 180,
		MaxHoldingTimeMinutes:   240,
		EnableAutomaticTimeout:  true,
	}
}

// TrackedPosition is the per-position record the manager owns.
type TrackedPosition struct {
	PositionID string
	Symbol     string
	EntryTime  time.Time
	State      types.LifecycleState
	warned     bool
	critical   bool
}

func (t *TrackedPosition) copy() *TrackedPosition {
	cp := *t
	return &cp
}

// legalTransitions is the DAG:
// OPEN -> WARNING -> CRITICAL -> CLOSING -> CLOSED, plus direct
// OPEN -> CLOSING and WARNING -> CLOSING for manual triggers.
var legalTransitions = map[types.LifecycleState]map[types.LifecycleState]bool{
	types.LifecycleOpen:     {types.LifecycleWarning: true, types.LifecycleClosing: true},
	types.LifecycleWarning:  {types.LifecycleCritical: true, types.LifecycleClosing: true},
	types.LifecycleCritical: {types.LifecycleClosing: true},
	types.LifecycleClosing:  {types.LifecycleClosed: true},
	types.LifecycleClosed:   {},
}

// ValidateStateTransition reports whether from -> to is legal.
func ValidateStateTransition(from, to types.LifecycleState) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Manager tracks open positions' holding time and drives timeout escalation.
type Manager struct {
	cfg      Config
	bus      *eventbus.Bus
	pipeline *execution.Pipeline
	states   *position.Machine
	clock    clock.Clock
	logger   logging.Logger

	mu        sync.Mutex
	tracked   map[string]*TrackedPosition
}

// New constructs a Manager.
func New(cfg Config, bus *eventbus.Bus, pipeline *execution.Pipeline, states *position.Machine, c clock.Clock, logger logging.Logger) *Manager {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		cfg: cfg, bus: bus, pipeline: pipeline, states: states,
		clock: c, logger: logger, tracked: make(map[string]*TrackedPosition),
	}
}

// Track begins tracking a newly opened position.
func (m *Manager) Track(symbol, positionID string, entryTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[positionID] = &TrackedPosition{
		PositionID: positionID,
		Symbol:     symbol,
		EntryTime:  entryTime,
		State:      types.LifecycleOpen,
	}
}

// Untrack stops tracking a position (e.g. once fully closed).
func (m *Manager) Untrack(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, positionID)
}

// CheckAll runs the holding-time check for every tracked position against
// the current clock, driven by an external candle tick.
func (m *Manager) CheckAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Check(ctx, id)
	}
}

// Check evaluates holding time for one tracked position. Unknown
// positionIds are non-fatal no-ops.
func (m *Manager) Check(ctx context.Context, positionID string) {
	m.mu.Lock()
	tp, ok := m.tracked[positionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	holdingMinutes := m.clock.Now().Sub(tp.EntryTime).Minutes()

	if holdingMinutes >= m.cfg.MaxHoldingTimeMinutes {
		m.mu.Lock()
		alreadyCritical := tp.critical
		if !alreadyCritical {
			tp.critical = true
			tp.State = types.LifecycleCritical
		}
		m.mu.Unlock()

		if !alreadyCritical {
			m.publish(eventbus.TypePositionTimeoutCritical, tp)
			if m.cfg.EnableAutomaticTimeout {
				m.publish(eventbus.TypePositionTimeoutTriggered, tp)
				m.TriggerEmergencyClose(ctx, EmergencyCloseRequest{
					PositionID: positionID,
					Symbol:     tp.Symbol,
					Reason:     "max_holding_time_exceeded",
					Priority:   types.PriorityHigh,
				})
			}
		}
		return
	}

	if holdingMinutes >= m.cfg.WarningThresholdMinutes {
		m.mu.Lock()
		alreadyWarned := tp.warned
		if !alreadyWarned {
			tp.warned = true
			tp.State = types.LifecycleWarning
		}
		m.mu.Unlock()
		if !alreadyWarned {
			m.publish(eventbus.TypePositionTimeoutWarning, tp)
		}
	}
}

func (m *Manager) publish(t eventbus.Type, tp *TrackedPosition) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: t, Payload: map[string]interface{}{
		"positionId": tp.PositionID,
		"symbol":     tp.Symbol,
	}})
}

// EmergencyCloseRequest is the input to TriggerEmergencyClose.
type EmergencyCloseRequest struct {
	PositionID string
	Symbol     string
	Reason     string
	Priority   types.Priority
	Side       types.OrderSide
	Quantity   decimal.Decimal
}

// TriggerEmergencyClose transitions the position's lifecycle state to
// CLOSING, enqueues a close order via the pipeline, and on completion
// records CLOSED, degrading gracefully if the order fails.
func (m *Manager) TriggerEmergencyClose(ctx context.Context, req EmergencyCloseRequest) {
	m.mu.Lock()
	tp, ok := m.tracked[req.PositionID]
	if ok {
		tp.State = types.LifecycleClosing
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.states != nil {
		m.states.Transition(position.TransitionRequest{
			Symbol:      req.Symbol,
			PositionID:  req.PositionID,
			TargetState: types.PositionStateClosed,
			Reason:      req.Reason,
		})
	}

	if m.pipeline != nil {
		order := types.Order{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Type:     types.OrderTypeMarket,
			Quantity: req.Quantity,
		}
		errs.GracefulDegradeFn(m.logger, "emergency close order failed, marking position closed regardless", func() error {
			result := m.pipeline.PlaceOrder(ctx, order, decimal.Zero)
			if !result.Success {
				return errsNewFromOrder(result.Error)
			}
			return nil
		})
	}

	m.mu.Lock()
	if ok {
		tp.State = types.LifecycleClosed
	}
	m.mu.Unlock()
}

func errsNewFromOrder(msg string) error {
	if msg == "" {
		msg = "emergency close order failed"
	}
	return errs.New(errs.Unknown, "lifecycle", "emergency_close_failed", msg, nil)
}

// GetTracked returns a copy of positionID's tracked state, if tracked.
func (m *Manager) GetTracked(positionID string) (*TrackedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.tracked[positionID]
	if !ok {
		return nil, false
	}
	return tp.copy(), true
}
