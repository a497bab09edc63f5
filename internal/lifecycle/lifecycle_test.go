package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-core/internal/errs"
	"github.com/atlas-desktop/trading-core/internal/eventbus"
	"github.com/atlas-desktop/trading-core/internal/execution"
	"github.com/atlas-desktop/trading-core/internal/exchange"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *eventbus.Bus, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New(logging.Nop())
	client := exchange.NewFake()
	pipeline := execution.New(execution.DefaultConfig(), client, fc, logging.Nop())
	states := position.New(fc, logging.Nop())
	states.Initialize()
	return New(cfg, bus, pipeline, states, fc, logging.Nop()), bus, fc
}

func TestValidateStateTransition_LegalAndIllegalMoves(t *testing.T) {
	assert.True(t, ValidateStateTransition(types.LifecycleOpen, types.LifecycleWarning))
	assert.True(t, ValidateStateTransition(types.LifecycleOpen, types.LifecycleClosing))
	assert.True(t, ValidateStateTransition(types.LifecycleWarning, types.LifecycleCritical))
	assert.False(t, ValidateStateTransition(types.LifecycleOpen, types.LifecycleCritical), "cannot skip WARNING")
	assert.False(t, ValidateStateTransition(types.LifecycleClosed, types.LifecycleOpen), "CLOSED is terminal")
}

func TestCheck_WarnsOnceAtWarningThreshold(t *testing.T) {
	cfg := Config{WarningThresholdMinutes: 180, MaxHoldingTimeMinutes: 240}
	m, bus, fc := newTestManager(t, cfg)

	var warnings int
	bus.Subscribe(eventbus.TypePositionTimeoutWarning, func(eventbus.Event) error { warnings++; return nil })

	m.Track("BTCUSDT", "pos-1", fc.Now())
	fc.Advance(181 * time.Minute)
	m.Check(context.Background(), "pos-1")
	m.Check(context.Background(), "pos-1")

	assert.Equal(t, 1, warnings, "the warning must fire exactly once")
	tp, ok := m.GetTracked("pos-1")
	require.True(t, ok)
	assert.Equal(t, types.LifecycleWarning, tp.State)
}

func TestCheck_TriggersEmergencyCloseAtMaxHoldingTime(t *testing.T) {
	cfg := Config{WarningThresholdMinutes: 180, MaxHoldingTimeMinutes: 240, EnableAutomaticTimeout: true}
	m, bus, fc := newTestManager(t, cfg)

	var criticals, triggered int
	bus.Subscribe(eventbus.TypePositionTimeoutCritical, func(eventbus.Event) error { criticals++; return nil })
	bus.Subscribe(eventbus.TypePositionTimeoutTriggered, func(eventbus.Event) error { triggered++; return nil })

	m.Track("BTCUSDT", "pos-1", fc.Now())
	fc.Advance(241 * time.Minute)
	m.Check(context.Background(), "pos-1")

	assert.Equal(t, 1, criticals)
	assert.Equal(t, 1, triggered)
	tp, ok := m.GetTracked("pos-1")
	require.True(t, ok)
	assert.Equal(t, types.LifecycleClosed, tp.State, "automatic timeout must run the emergency close through to completion")
}

func TestCheck_DisabledAutomaticTimeoutStillMarksCriticalWithoutClosing(t *testing.T) {
	cfg := Config{WarningThresholdMinutes: 180, MaxHoldingTimeMinutes: 240, EnableAutomaticTimeout: false}
	m, _, fc := newTestManager(t, cfg)

	m.Track("BTCUSDT", "pos-1", fc.Now())
	fc.Advance(241 * time.Minute)
	m.Check(context.Background(), "pos-1")

	tp, ok := m.GetTracked("pos-1")
	require.True(t, ok)
	assert.Equal(t, types.LifecycleCritical, tp.State)
}

func TestCheck_UnknownPositionIsNonFatalNoOp(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	assert.NotPanics(t, func() { m.Check(context.Background(), "does-not-exist") })
}

func TestTriggerEmergencyClose_DegradesGracefullyOnOrderFailure(t *testing.T) {
	cfg := DefaultConfig()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New(logging.Nop())
	client := exchange.NewFake()
	client.PlaceErr = errs.New(errs.NonRetryable, "execution", "rejected", "exchange rejected order", nil)
	pipeline := execution.New(execution.DefaultConfig(), client, fc, logging.Nop())
	states := position.New(fc, logging.Nop())
	states.Initialize()
	m := New(cfg, bus, pipeline, states, fc, logging.Nop())

	m.Track("BTCUSDT", "pos-1", fc.Now())
	assert.NotPanics(t, func() {
		m.TriggerEmergencyClose(context.Background(), EmergencyCloseRequest{
			PositionID: "pos-1",
			Symbol:     "BTCUSDT",
			Reason:     "manual",
			Quantity:   decimal.NewFromInt(1),
		})
	})

	tp, ok := m.GetTracked("pos-1")
	require.True(t, ok)
	assert.Equal(t, types.LifecycleClosed, tp.State, "position is marked closed even when the close order itself failed")
}

func TestUntrack_RemovesPosition(t *testing.T) {
	m, _, fc := newTestManager(t, DefaultConfig())
	m.Track("BTCUSDT", "pos-1", fc.Now())
	m.Untrack("pos-1")

	_, ok := m.GetTracked("pos-1")
	assert.False(t, ok)
}

func TestCheckAll_ChecksEveryTrackedPosition(t *testing.T) {
	cfg := Config{WarningThresholdMinutes: 180, MaxHoldingTimeMinutes: 240}
	m, bus, fc := newTestManager(t, cfg)
	var warnings int
	bus.Subscribe(eventbus.TypePositionTimeoutWarning, func(eventbus.Event) error { warnings++; return nil })

	m.Track("BTCUSDT", "pos-1", fc.Now())
	m.Track("ETHUSDT", "pos-2", fc.Now())
	fc.Advance(181 * time.Minute)
	m.CheckAll(context.Background())

	assert.Equal(t, 2, warnings)
}
