package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func newTestMachine(t *testing.T) (*Machine, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(fc, logging.Nop())
	m.Initialize()
	return m, fc
}

func TestTransition_NewPositionStartsOpen(t *testing.T) {
	m, _ := newTestMachine(t)
	state, ok := m.GetState("BTCUSDT", "pos-1")
	assert.False(t, ok, "unknown position has no state until first touch")

	res := m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "pos-1", TargetState: types.PositionStateTP1Hit})
	assert.True(t, res.Allowed)
	assert.Equal(t, types.PositionStateTP1Hit, res.CurrentState)

	state, ok = m.GetState("BTCUSDT", "pos-1")
	require.True(t, ok)
	assert.Equal(t, types.PositionStateTP1Hit, state)
}

func TestTransition_RejectsSkippedLevel(t *testing.T) {
	m, _ := newTestMachine(t)

	res := m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "pos-1", TargetState: types.PositionStateTP3Hit})
	assert.False(t, res.Allowed, "OPEN -> TP3_HIT skips TP1/TP2 and must be rejected")
	assert.Equal(t, types.PositionStateOpen, res.CurrentState)
}

func TestTransition_RejectsMovesFromClosed(t *testing.T) {
	m, _ := newTestMachine(t)
	m.ClosePosition("BTCUSDT", "pos-1", "manual", nil, nil)

	res := m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "pos-1", TargetState: types.PositionStateTP1Hit})
	assert.False(t, res.Allowed, "CLOSED is terminal")
	assert.Equal(t, types.PositionStateClosed, res.CurrentState)
}

func TestTransition_SequentialTPLevelsAreLegal(t *testing.T) {
	m, _ := newTestMachine(t)

	for _, target := range []types.PositionState{types.PositionStateTP1Hit, types.PositionStateTP2Hit, types.PositionStateTP3Hit} {
		res := m.Transition(TransitionRequest{Symbol: "ETHUSDT", PositionID: "pos-2", TargetState: target})
		assert.True(t, res.Allowed, "sequential TP level %s must be legal", target)
	}
}

func TestClosePosition_OverrideClosesFromAnyNonTerminalState(t *testing.T) {
	for _, start := range []types.PositionState{types.PositionStateOpen, types.PositionStateTP1Hit, types.PositionStateTP2Hit, types.PositionStateTP3Hit} {
		m, _ := newTestMachine(t)
		switch start {
		case types.PositionStateTP1Hit:
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP1Hit})
		case types.PositionStateTP2Hit:
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP1Hit})
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP2Hit})
		case types.PositionStateTP3Hit:
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP1Hit})
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP2Hit})
			m.Transition(TransitionRequest{Symbol: "S", PositionID: "p", TargetState: types.PositionStateTP3Hit})
		}

		price := decimal.NewFromFloat(100.5)
		pnl := decimal.NewFromFloat(12.3)
		res := m.ClosePosition("S", "p", "take_profit", &price, &pnl)
		assert.True(t, res.Allowed, "override-close from %s must be legal", start)
		assert.Equal(t, types.PositionStateClosed, res.CurrentState)

		full := m.GetFullState("S", "p")
		require.NotNil(t, full)
		assert.Equal(t, "take_profit", full.ClosureReason)
		assert.NotNil(t, full.ClosedAt)
		require.NotNil(t, full.ClosurePrice)
		assert.True(t, price.Equal(*full.ClosurePrice))
	}
}

func TestClosePosition_RejectsWhenAlreadyClosed(t *testing.T) {
	m, _ := newTestMachine(t)
	m.ClosePosition("BTCUSDT", "pos-1", "manual", nil, nil)

	res := m.ClosePosition("BTCUSDT", "pos-1", "manual_again", nil, nil)
	assert.False(t, res.Allowed)
}

func TestUpdateExitMode_MergesWithoutAffectingLifecycleState(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "pos-1", TargetState: types.PositionStateTP1Hit})

	trailing := true
	m.UpdateExitMode("BTCUSDT", "pos-1", ExitModePatch{TrailingMode: &trailing})

	full := m.GetFullState("BTCUSDT", "pos-1")
	require.NotNil(t, full)
	assert.True(t, full.TrailingMode)
	assert.Equal(t, types.PositionStateTP1Hit, full.State)
}

func TestGetStatistics_AggregatesDistributionAndTimeInState(t *testing.T) {
	m, fc := newTestMachine(t)
	m.Transition(TransitionRequest{Symbol: "A", PositionID: "1", TargetState: types.PositionStateTP1Hit})
	fc.Advance(time.Minute)
	m.Transition(TransitionRequest{Symbol: "B", PositionID: "2", TargetState: types.PositionStateTP1Hit})

	stats := m.GetStatistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Distribution[types.PositionStateTP1Hit])
	assert.Contains(t, stats.AverageTimeInState, types.PositionStateTP1Hit)
}

func TestGetStatesBySymbol_FiltersBySymbol(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "1", TargetState: types.PositionStateTP1Hit})
	m.Transition(TransitionRequest{Symbol: "ETHUSDT", PositionID: "2", TargetState: types.PositionStateTP1Hit})

	records := m.GetStatesBySymbol("BTCUSDT")
	require.Len(t, records, 1)
	assert.Equal(t, "1", records[0].PositionID)
}

func TestClearState_RemovesRecord(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "1", TargetState: types.PositionStateTP1Hit})
	m.ClearState("BTCUSDT", "1")

	_, ok := m.GetState("BTCUSDT", "1")
	assert.False(t, ok)
}

func TestMustGetState_ReturnsErrUnknownPositionForUntrackedKey(t *testing.T) {
	m, _ := newTestMachine(t)

	_, err := m.MustGetState("BTCUSDT", "ghost")
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestMustGetState_ReturnsStateForTrackedKey(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Transition(TransitionRequest{Symbol: "BTCUSDT", PositionID: "1", TargetState: types.PositionStateTP1Hit})

	state, err := m.MustGetState("BTCUSDT", "1")
	require.NoError(t, err)
	assert.Equal(t, types.PositionStateTP1Hit, state)
}
