// Package breaker implements a per-strategy circuit breaker registry:
// CLOSED/OPEN/HALF_OPEN state machines with exponential backoff. Grounded
// on a zap-logged, callback-driven circuit breaker, simplified from a
// 5-state/adaptive-threshold model down to a plain 3-state model with a
// simple RecordSuccess/RecordFailure surface.
package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Config configures every breaker in the registry.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	BackoffBase      float64
	MaxBackoff       time.Duration
	HalfOpenAttempts int
	MaxBreakers      int
}

// DefaultConfig returns the registry's default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		BackoffBase:      2,
		MaxBackoff:       5 * time.Minute,
		HalfOpenAttempts: 3,
		MaxBreakers:      1000,
	}
}

// StateChangeEvent is delivered to onStateChange callbacks.
type StateChangeEvent struct {
	StrategyID string
	From       types.BreakerStatus
	To         types.BreakerStatus
	At         time.Time
}

// StateChangeFunc is a registered onStateChange callback.
type StateChangeFunc func(StateChangeEvent)

type breakerState struct {
	mu               sync.Mutex
	status           types.BreakerStatus
	failureCount     int
	successCount     int
	lastFailureTime  *time.Time
	lastSuccessTime  *time.Time
	nextRetryTime    *time.Time
	recoveryAttempts int
	totalFailures    int
	totalSuccesses   int
	lastErrors       []string
	currentBackoff   time.Duration
}

// Registry tracks one circuit breaker per strategy.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*breakerState

	cbMu      sync.Mutex
	callbacks map[string]StateChangeFunc
}

// New constructs a Registry.
func New(cfg Config, c clock.Clock, logger logging.Logger) *Registry {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		cfg:       cfg,
		clock:     c,
		logger:    logger,
		breakers:  make(map[string]*breakerState),
		callbacks: make(map[string]StateChangeFunc),
	}
}

func (r *Registry) getOrCreate(strategyID string) *breakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[strategyID]
	if ok {
		return b
	}
	if len(r.breakers) >= r.cfg.MaxBreakers {
		r.logger.Warn("circuit breaker registry exceeding maxBreakers, creating anyway",
			logging.String("strategy_id", strategyID),
			logging.Int("max_breakers", r.cfg.MaxBreakers),
		)
	}
	b = &breakerState{status: types.BreakerClosed, currentBackoff: r.cfg.Timeout}
	r.breakers[strategyID] = b
	return b
}

// CanExecute reports whether strategyID may currently execute, advancing
// OPEN -> HALF_OPEN as a side effect once nextRetryTime has elapsed.
func (r *Registry) CanExecute(strategyID string) bool {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case types.BreakerClosed:
		return true
	case types.BreakerHalfOpen:
		return true
	case types.BreakerOpen:
		now := r.clock.Now()
		if b.nextRetryTime != nil && !now.Before(*b.nextRetryTime) {
			r.transitionLocked(strategyID, b, types.BreakerHalfOpen)
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call against strategyID's breaker.
func (r *Registry) RecordSuccess(strategyID string) {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.clock.Now()
	b.lastSuccessTime = &now
	b.totalSuccesses++

	switch b.status {
	case types.BreakerClosed:
		b.failureCount = 0
	case types.BreakerHalfOpen:
		b.successCount++
		if b.successCount >= r.cfg.HalfOpenAttempts {
			r.transitionLocked(strategyID, b, types.BreakerClosed)
			b.failureCount = 0
			b.successCount = 0
			b.recoveryAttempts = 0
			b.currentBackoff = r.cfg.Timeout
		}
	}
}

// RecordFailure records a failed call, keeping at most the last 10 error
// messages.
func (r *Registry) RecordFailure(strategyID string, err error) {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.clock.Now()
	b.lastFailureTime = &now
	b.totalFailures++
	if err != nil {
		b.lastErrors = append(b.lastErrors, err.Error())
		if len(b.lastErrors) > 10 {
			b.lastErrors = b.lastErrors[len(b.lastErrors)-10:]
		}
	}

	switch b.status {
	case types.BreakerClosed:
		b.failureCount++
		if b.failureCount >= r.cfg.FailureThreshold {
			r.openLocked(strategyID, b)
		}
	case types.BreakerHalfOpen:
		r.openLocked(strategyID, b)
	}
}

// openLocked transitions b to OPEN and recomputes its backoff. Callers must
// not bump recoveryAttempts themselves; it is incremented here exactly once
// per open.
func (r *Registry) openLocked(strategyID string, b *breakerState) {
	r.transitionLocked(strategyID, b, types.BreakerOpen)
	b.successCount = 0
	b.recoveryAttempts++

	backoff := time.Duration(float64(r.cfg.Timeout) * pow(r.cfg.BackoffBase, float64(b.recoveryAttempts-1)))
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}
	b.currentBackoff = backoff
	next := r.clock.Now().Add(backoff)
	b.nextRetryTime = &next
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

func (r *Registry) transitionLocked(strategyID string, b *breakerState, to types.BreakerStatus) {
	from := b.status
	b.status = to
	if from == to {
		return
	}
	r.logger.Info("circuit breaker state change",
		logging.String("strategy_id", strategyID),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)

	r.cbMu.Lock()
	cbs := make([]StateChangeFunc, 0, len(r.callbacks))
	for _, cb := range r.callbacks {
		cbs = append(cbs, cb)
	}
	r.cbMu.Unlock()

	evt := StateChangeEvent{StrategyID: strategyID, From: from, To: to, At: r.clock.Now()}
	for _, cb := range cbs {
		cb(evt)
	}
}

// OnStateChange registers a callback invoked on every breaker state
// transition, returning an ID usable with OffStateChange.
func (r *Registry) OnStateChange(cb StateChangeFunc) string {
	id := uuid.NewString()
	r.cbMu.Lock()
	r.callbacks[id] = cb
	r.cbMu.Unlock()
	return id
}

// OffStateChange removes a previously registered callback.
func (r *Registry) OffStateChange(id string) {
	r.cbMu.Lock()
	delete(r.callbacks, id)
	r.cbMu.Unlock()
}

// GetState returns a copy of strategyID's current breaker state.
func (r *Registry) GetState(strategyID string) types.CircuitBreakerState {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.snapshotLocked(strategyID, b)
}

func (r *Registry) snapshotLocked(strategyID string, b *breakerState) types.CircuitBreakerState {
	return types.CircuitBreakerState{
		StrategyID:       strategyID,
		Status:           b.status,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastFailureTime:  b.lastFailureTime,
		LastSuccessTime:  b.lastSuccessTime,
		NextRetryTime:    b.nextRetryTime,
		RecoveryAttempts: b.recoveryAttempts,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
	}
}

// Metrics is the getMetrics surface: failure rate and time in current state.
type Metrics struct {
	FailureRate      float64
	TimeInState      time.Duration
	RecoveryAttempts int
}

// GetMetrics computes derived metrics for strategyID.
func (r *Registry) GetMetrics(strategyID string) Metrics {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.totalFailures + b.totalSuccesses
	m := Metrics{RecoveryAttempts: b.recoveryAttempts}
	if total > 0 {
		m.FailureRate = float64(b.totalFailures) / float64(total)
	}
	switch {
	case b.lastFailureTime != nil && b.status != types.BreakerClosed:
		m.TimeInState = r.clock.Now().Sub(*b.lastFailureTime)
	case b.lastSuccessTime != nil:
		m.TimeInState = r.clock.Now().Sub(*b.lastSuccessTime)
	}
	return m
}

// Reset clears strategyID's breaker back to CLOSED.
func (r *Registry) Reset(strategyID string) {
	b := r.getOrCreate(strategyID)
	b.mu.Lock()
	defer b.mu.Unlock()
	*b = breakerState{status: types.BreakerClosed, currentBackoff: r.cfg.Timeout}
}

// ResetAll clears every breaker in the registry back to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Reset(id)
	}
}
