// Package analytics implements trade performance analytics, generalizing a
// backtest MetricsCalculator (downside-deviation Sortino, running-peak
// max-drawdown) from a backtest equity curve input to the live journal's
// trade stream. Sharpe and Sortino are ratios over per-trade pnl and are
// not annualized.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Period selects the window getMetrics filters trades by.
type Period string

const (
	PeriodAll   Period = "ALL"
	PeriodToday Period = "TODAY"
	PeriodWeek  Period = "WEEK"
	PeriodMonth Period = "MONTH"
)

// Metrics is getMetrics's result shape. All numeric outputs are rounded to
// 2 decimal places.
type Metrics struct {
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	ProfitFactor     float64
	AverageHoldTime  time.Duration
	SharpeRatio      float64
	SortinoRatio     float64
	MaxDrawdown      float64
}

// round2 rounds to 2 decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Calculator computes performance analytics over a trade journal.
type Calculator struct {
	now func() time.Time
}

// New constructs a Calculator. now defaults to time.Now if nil (the Journal
// read path is not latency-sensitive enough to require clock injection
// end-to-end, but period filtering still takes an explicit "now" so callers
// can pass a Clock-derived value for determinism).
func New(now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{now: now}
}

// CalculateWinRate returns the win percentage over the last `period` trades
// (0 meaning all trades). Empty input yields 0.
func (c *Calculator) CalculateWinRate(trades []types.TradeRecord, period int) float64 {
	subset := trades
	if period > 0 && period < len(trades) {
		subset = trades[len(trades)-period:]
	}
	if len(subset) == 0 {
		return 0
	}
	wins := 0
	for _, t := range subset {
		if t.PnL.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return round2(100 * float64(wins) / float64(len(subset)))
}

// CalculateProfitFactor is grossProfit/grossLoss; no losses yields 100 when
// any profit exists, else 0.
func (c *Calculator) CalculateProfitFactor(trades []types.TradeRecord) float64 {
	var grossProfit, grossLoss decimal.Decimal
	for _, t := range trades {
		if t.PnL.GreaterThan(decimal.Zero) {
			grossProfit = grossProfit.Add(t.PnL)
		} else if t.PnL.LessThan(decimal.Zero) {
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.GreaterThan(decimal.Zero) {
			return 100
		}
		return 0
	}
	pf, _ := grossProfit.Div(grossLoss).Float64()
	return round2(pf)
}

// CalculateAverageHoldTime is the mean of (exitTime-entryTime), returned as
// a time.Duration.
func (c *Calculator) CalculateAverageHoldTime(trades []types.TradeRecord) time.Duration {
	if len(trades) == 0 {
		return 0
	}
	var total time.Duration
	for _, t := range trades {
		total += t.ExitTime.Sub(t.EntryTime)
	}
	return total / time.Duration(len(trades))
}

func (c *Calculator) filterByPeriod(trades []types.TradeRecord, period Period) []types.TradeRecord {
	if period == PeriodAll || period == "" {
		return trades
	}
	now := c.now().UTC()
	var cutoff time.Time
	switch period {
	case PeriodToday:
		cutoff = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeek:
		cutoff = now.AddDate(0, 0, -7)
	case PeriodMonth:
		cutoff = now.AddDate(0, 0, -30)
	default:
		return trades
	}
	out := make([]types.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if !t.OpenedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// GetMetrics filters trades to period and computes the full metrics set.
func (c *Calculator) GetMetrics(trades []types.TradeRecord, period Period) Metrics {
	filtered := c.filterByPeriod(trades, period)

	m := Metrics{TotalTrades: len(filtered)}
	if len(filtered) == 0 {
		return m
	}

	for _, t := range filtered {
		if t.PnL.GreaterThan(decimal.Zero) {
			m.WinningTrades++
		} else if t.PnL.LessThan(decimal.Zero) {
			m.LosingTrades++
		}
	}

	m.WinRate = c.CalculateWinRate(filtered, 0)
	m.ProfitFactor = c.CalculateProfitFactor(filtered)
	m.AverageHoldTime = c.CalculateAverageHoldTime(filtered)

	pnls := make([]float64, len(filtered))
	for i, t := range filtered {
		f, _ := t.PnL.Float64()
		pnls[i] = f
	}

	avg := mean(pnls)
	sd := stdDev(pnls, avg)
	if sd > 0 {
		m.SharpeRatio = round2(avg / sd)
	}
	dsd := downsideDeviation(pnls)
	if dsd > 0 {
		m.SortinoRatio = round2(avg / dsd)
	}
	m.MaxDrawdown = round2(maxDrawdown(filtered))

	return m
}

// GetTopTrades returns the n most profitable trades, stable-sorted by pnl
// descending.
func (c *Calculator) GetTopTrades(trades []types.TradeRecord, n int) []types.TradeRecord {
	sorted := append([]types.TradeRecord(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PnL.GreaterThan(sorted[j].PnL)
	})
	if n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// GetWorstTrades returns the n least profitable trades, stable-sorted by
// pnl ascending.
func (c *Calculator) GetWorstTrades(trades []types.TradeRecord, n int) []types.TradeRecord {
	sorted := append([]types.TradeRecord(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PnL.LessThan(sorted[j].PnL)
	})
	if n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, avg float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDev(negative, mean(negative))
}

// maxDrawdown computes max over t of (peak-equity_t)/peak on the running
// equity curve implied by cumulative pnl across trades ordered by exit time.
func maxDrawdown(trades []types.TradeRecord) float64 {
	ordered := append([]types.TradeRecord(nil), trades...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ExitTime.Before(ordered[j].ExitTime) })

	var equity, peak, maxDD float64
	for _, t := range ordered {
		pnl, _ := t.PnL.Float64()
		equity += pnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
