// Package risk implements a per-position composite health score with
// danger-level alerting. Re-purposed from an order/exposure limit checker
// (sync.RWMutex-guarded per-symbol maps, config-with-defaults idiom, and a
// non-blocking-send-plus-warn-log event pattern) into a weighted composite
// health score.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/internal/eventbus"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Weights is the five-component weighting; must sum to 1 (default uniform
// 0.2 each).
type Weights struct {
	TimeAtRisk      float64
	Drawdown        float64
	VolumeLiquidity float64
	Volatility      float64
	Profitability   float64
}

// DefaultWeights returns the uniform default.
func DefaultWeights() Weights {
	return Weights{0.2, 0.2, 0.2, 0.2, 0.2}
}

// Config configures the monitor.
type Config struct {
	Weights                 Weights
	CheckIntervalCandles    int
	HealthScoreThreshold    float64
	EmergencyCloseOnCritical bool
	MaxMinutesHeld          float64
	MaxDrawdownThresholdPct float64
	TargetPnLPct            float64
}

// DefaultConfig returns the monitor's default configuration.
func DefaultConfig() Config {
	return Config{
		Weights:                 DefaultWeights(),
		CheckIntervalCandles:    5,
		HealthScoreThreshold:    30,
		EmergencyCloseOnCritical: true,
		MaxMinutesHeld:          240,
		MaxDrawdownThresholdPct: 10,
		TargetPnLPct:            5,
	}
}

// Inputs is the per-candle market/position snapshot the monitor scores.
type Inputs struct {
	MinutesHeld      float64
	CurrentLossPct   float64 // positive when in loss
	LastCandleVolume decimal.Decimal
	AvgVolume        decimal.Decimal
	CurrentATR       decimal.Decimal
	AvgATR           decimal.Decimal
	CurrentPnLPct    float64
}

type positionEntry struct {
	candlesSinceCheck int
	lastScore         *types.HealthScore
}

// Monitor computes and tracks real-time per-position health scores.
type Monitor struct {
	cfg    Config
	bus    *eventbus.Bus
	clock  clock.Clock
	logger logging.Logger

	mu        sync.RWMutex
	positions map[string]*positionEntry // keyed by positionId
}

// New constructs a Monitor.
func New(cfg Config, bus *eventbus.Bus, c clock.Clock, logger logging.Logger) *Monitor {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{cfg: cfg, bus: bus, clock: c, logger: logger, positions: make(map[string]*positionEntry)}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Score computes the five-component composite health score for inputs,
// independent of candle-interval throttling (used by Check below and
// directly by tests).
func (m *Monitor) Score(in Inputs) types.HealthScore {
	w := m.cfg.Weights

	timeAtRisk := 100 * (1 - clip(in.MinutesHeld/maxf(m.cfg.MaxMinutesHeld, 1), 0, 1))

	drawdown := 100 * (1 - clip(in.CurrentLossPct/maxf(m.cfg.MaxDrawdownThresholdPct, 1e-9), 0, 1))

	var volRatio float64
	if !in.AvgVolume.IsZero() {
		volRatio = in.LastCandleVolume.Sub(in.AvgVolume).Div(in.AvgVolume).InexactFloat64()
	}
	volumeLiquidity := 50 + 50*clip(volRatio, -1, 1)

	volatility := 100.0
	if !in.AvgATR.IsZero() && in.CurrentATR.GreaterThan(in.AvgATR.Mul(decimal.NewFromInt(2))) {
		ratio := in.CurrentATR.Div(in.AvgATR).InexactFloat64()
		volatility = clip(100-25*(ratio-2), 0, 100)
	}

	profitability := 50 + 50*clip(in.CurrentPnLPct/maxf(m.cfg.TargetPnLPct, 1e-9), -1, 1)

	overall := w.TimeAtRisk*timeAtRisk + w.Drawdown*drawdown + w.VolumeLiquidity*volumeLiquidity +
		w.Volatility*volatility + w.Profitability*profitability

	return types.HealthScore{
		TimeAtRisk:      timeAtRisk,
		Drawdown:        drawdown,
		VolumeLiquidity: volumeLiquidity,
		Volatility:      volatility,
		Profitability:   profitability,
		OverallScore:    overall,
		DangerLevel:     types.DangerLevelFor(overall),
		ComputedAt:      m.clock.Now(),
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Check advances positionID's candle counter and, once CheckIntervalCandles
// candles have elapsed, recomputes its health score and publishes
// HEALTH_SCORE_UPDATED / DANGER_LEVEL_CHANGED / RISK_ALERT_TRIGGERED /
// EMERGENCY_CLOSE_TRIGGERED as appropriate. Returns the freshly computed
// score, or the cached one if this candle didn't trigger a recompute.
func (m *Monitor) Check(symbol, positionID string, in Inputs) types.HealthScore {
	m.mu.Lock()
	entry, ok := m.positions[positionID]
	if !ok {
		entry = &positionEntry{}
		m.positions[positionID] = entry
	}
	entry.candlesSinceCheck++
	due := entry.candlesSinceCheck >= maxInt(m.cfg.CheckIntervalCandles, 1)
	if due {
		entry.candlesSinceCheck = 0
	}
	prev := entry.lastScore
	m.mu.Unlock()

	if !due && prev != nil {
		return *prev
	}

	score := m.Score(in)

	m.mu.Lock()
	entry.lastScore = &score
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeHealthScoreUpdated, Payload: map[string]interface{}{
			"symbol": symbol, "positionId": positionID, "score": score,
		}})

		if prev == nil || prev.DangerLevel != score.DangerLevel {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeDangerLevelChanged, Payload: map[string]interface{}{
				"symbol": symbol, "positionId": positionID, "from": dangerOf(prev), "to": score.DangerLevel,
			}})
		}

		if score.DangerLevel == types.DangerCritical && (prev == nil || prev.DangerLevel != types.DangerCritical) {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeRiskAlertTriggered, Payload: map[string]interface{}{
				"symbol": symbol, "positionId": positionID, "score": score,
			}})
			if m.cfg.EmergencyCloseOnCritical {
				m.bus.Publish(eventbus.Event{Type: eventbus.TypeEmergencyCloseTriggered, Payload: map[string]interface{}{
					"symbol": symbol, "positionId": positionID, "reason": "health_score_critical",
				}})
			}
		}
	}

	return score
}

func dangerOf(s *types.HealthScore) types.DangerLevel {
	if s == nil {
		return types.DangerSafe
	}
	return s.DangerLevel
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// InvalidateCache drops positionID's cached score, forcing recomputation on
// the next Check (used when a position changes materially).
func (m *Monitor) InvalidateCache(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, positionID)
}

// LastScore returns the most recently computed score for positionID, if any.
func (m *Monitor) LastScore(positionID string) (types.HealthScore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.positions[positionID]
	if !ok || e.lastScore == nil {
		return types.HealthScore{}, false
	}
	return *e.lastScore, true
}
