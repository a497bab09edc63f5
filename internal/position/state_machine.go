// Package position implements legal DAG transitions over
// {OPEN,TP1_HIT,TP2_HIT,TP3_HIT,CLOSED} keyed by (symbol, positionId),
// generalized from a position-map-with-mutex idiom into an explicit
// transition table.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

type key struct {
	symbol     string
	positionID string
}

// ExitModePatch merges into a record's auxiliary exit-mode metadata.
type ExitModePatch struct {
	PreBEMode    *bool
	TrailingMode *bool
}

// Record is the per-position metadata the state machine owns.
type Record struct {
	Symbol        string
	PositionID    string
	State         types.PositionState
	PreBEMode     bool
	TrailingMode  bool
	Metadata      map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
	ClosureReason string
	ClosurePrice  *decimal.Decimal
	ClosurePnL    *decimal.Decimal
	// history of time spent in each state, for GetStatistics.
	enteredAt time.Time
	timeInState map[types.PositionState]time.Duration
}

func (r *Record) copy() *Record {
	cp := *r
	cp.Metadata = make(map[string]interface{}, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	cp.timeInState = nil
	return &cp
}

// TransitionRequest is the input to Transition.
type TransitionRequest struct {
	Symbol     string
	PositionID string
	TargetState types.PositionState
	Reason     string
	Metadata   map[string]interface{}
}

// TransitionResult reports whether a transition was allowed and the
// resulting (possibly unchanged) current state.
type TransitionResult struct {
	Allowed      bool
	CurrentState types.PositionState
}

// Machine tracks per-position lifecycle state and enforces legal transitions.
type Machine struct {
	cfg struct{} // no tunables today; kept for symmetry with other components
	clock  clock.Clock
	logger logging.Logger

	mu          sync.Mutex
	initialized bool
	records     map[key]*Record
}

// New constructs a Machine. Initialize must be called before use.
func New(c clock.Clock, logger logging.Logger) *Machine {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Machine{clock: c, logger: logger, records: make(map[key]*Record)}
}

// Initialize sets isInitialized=true; idempotent.
func (m *Machine) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
}

// IsInitialized reports whether Initialize has been called.
func (m *Machine) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Machine) getOrCreateLocked(symbol, positionID string) *Record {
	k := key{symbol, positionID}
	if r, ok := m.records[k]; ok {
		return r
	}
	now := m.clock.Now()
	r := &Record{
		Symbol:      symbol,
		PositionID:  positionID,
		State:       types.PositionStateOpen,
		Metadata:    make(map[string]interface{}),
		CreatedAt:   now,
		UpdatedAt:   now,
		enteredAt:   now,
		timeInState: make(map[types.PositionState]time.Duration),
	}
	m.records[k] = r
	return r
}

// isLegal reports whether from -> to is a legal DAG move: strictly
// increasing rank with no skipped TP level, or the override-close path
// (any non-terminal state may close directly).
func isLegal(from, to types.PositionState) bool {
	if from == types.PositionStateClosed {
		return false
	}
	if to == types.PositionStateClosed {
		return true
	}
	fr, tr := from.Rank(), to.Rank()
	if fr < 0 || tr < 0 {
		return false
	}
	return tr == fr+1
}

// Transition attempts to move (symbol, positionId) to targetState. Illegal
// transitions are rejected without mutation.
func (m *Machine) Transition(req TransitionRequest) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateLocked(req.Symbol, req.PositionID)
	if !isLegal(r.State, req.TargetState) {
		return TransitionResult{Allowed: false, CurrentState: r.State}
	}

	now := m.clock.Now()
	r.timeInState[r.State] += now.Sub(r.enteredAt)
	r.enteredAt = now
	r.State = req.TargetState
	r.UpdatedAt = now
	for k, v := range req.Metadata {
		r.Metadata[k] = v
	}

	m.logger.Debug("position state transition",
		logging.String("symbol", req.Symbol),
		logging.String("position_id", req.PositionID),
		logging.String("to", string(req.TargetState)),
		logging.String("reason", req.Reason),
	)

	return TransitionResult{Allowed: true, CurrentState: r.State}
}

// UpdateExitMode merges preBEMode/trailingMode metadata without touching
// the lifecycle state.
func (m *Machine) UpdateExitMode(symbol, positionID string, patch ExitModePatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getOrCreateLocked(symbol, positionID)
	if patch.PreBEMode != nil {
		r.PreBEMode = *patch.PreBEMode
	}
	if patch.TrailingMode != nil {
		r.TrailingMode = *patch.TrailingMode
	}
	r.UpdatedAt = m.clock.Now()
}

// ClosePosition transitions a position to CLOSED and stamps closure
// metadata.
func (m *Machine) ClosePosition(symbol, positionID, reason string, closurePrice, closurePnL *decimal.Decimal) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateLocked(symbol, positionID)
	if !isLegal(r.State, types.PositionStateClosed) {
		return TransitionResult{Allowed: false, CurrentState: r.State}
	}

	now := m.clock.Now()
	r.timeInState[r.State] += now.Sub(r.enteredAt)
	r.enteredAt = now
	r.State = types.PositionStateClosed
	r.UpdatedAt = now
	r.ClosedAt = &now
	r.ClosureReason = reason
	r.ClosurePrice = closurePrice
	r.ClosurePnL = closurePnL

	return TransitionResult{Allowed: true, CurrentState: r.State}
}

// GetState returns the current state, or "" if unknown.
func (m *Machine) GetState(symbol, positionID string) (types.PositionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key{symbol, positionID}]
	if !ok {
		return "", false
	}
	return r.State, true
}

// MustGetState returns the current state, or ErrUnknownPosition if
// (symbol, positionID) has never been tracked.
func (m *Machine) MustGetState(symbol, positionID string) (types.PositionState, error) {
	state, ok := m.GetState(symbol, positionID)
	if !ok {
		return "", ErrUnknownPosition
	}
	return state, nil
}

// GetFullState returns a copy of the full record, or nil if unknown.
func (m *Machine) GetFullState(symbol, positionID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key{symbol, positionID}]
	if !ok {
		return nil
	}
	return r.copy()
}

// GetStatesBySymbol returns copies of every record for symbol.
func (m *Machine) GetStatesBySymbol(symbol string) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for k, r := range m.records {
		if k.symbol == symbol {
			out = append(out, r.copy())
		}
	}
	return out
}

// ClearState removes one record (used by tests and cleanup jobs).
func (m *Machine) ClearState(symbol, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key{symbol, positionID})
}

// Statistics is GetStatistics's result shape.
type Statistics struct {
	Total            int
	Distribution     map[types.PositionState]int
	AverageTimeInState map[types.PositionState]time.Duration
}

// GetStatistics aggregates across every tracked record.
func (m *Machine) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		Distribution:       make(map[types.PositionState]int),
		AverageTimeInState: make(map[types.PositionState]time.Duration),
	}
	sums := make(map[types.PositionState]time.Duration)
	counts := make(map[types.PositionState]int)

	now := m.clock.Now()
	for _, r := range m.records {
		stats.Total++
		stats.Distribution[r.State]++
		for st, d := range r.timeInState {
			sums[st] += d
			counts[st]++
		}
		sums[r.State] += now.Sub(r.enteredAt)
		counts[r.State]++
	}
	for st, sum := range sums {
		stats.AverageTimeInState[st] = sum / time.Duration(counts[st])
	}
	return stats
}

// ErrUnknownPosition is returned by MustGetState for unknown keys;
// GetState and GetFullState report unknown keys with false/nil and never
// error.
var ErrUnknownPosition = fmt.Errorf("position: unknown (symbol, positionId)")
