// Package types provides the shared domain types that flow between the
// core execution-fabric components.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the lifecycle status of an order.
// Filled, Cancelled, Failed, and Timeout are terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusTimeout         OrderStatus = "TIMEOUT"
)

// IsTerminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusTimeout:
		return true
	default:
		return false
	}
}

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Order is the order the pipeline submits to the exchange.
type Order struct {
	OrderID     string          `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price,omitempty"`
	TimeInForce TimeInForce     `json:"timeInForce,omitempty"`
}

// OrderFill describes the fill the exchange reports in its acknowledgment
// of a placement.
type OrderFill struct {
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Commission   decimal.Decimal `json:"commission"`
}

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// TakeProfit is one level of a position's scale-out ladder.
type TakeProfit struct {
	Level       int             `json:"level"`
	SizePercent decimal.Decimal `json:"sizePercent"`
	Price       decimal.Decimal `json:"price"`
	Hit         bool            `json:"hit"`
}

// Position is the core trade record tracked across the position, lifecycle,
// and risk components.
type Position struct {
	Symbol         string          `json:"symbol"`
	PositionID     string          `json:"positionId"`
	Side           PositionSide    `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	EntryTime      time.Time       `json:"entryTime"`
	LifecycleState LifecycleState  `json:"lifecycleState"`
	StopLoss       *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfits    []TakeProfit    `json:"takeProfits,omitempty"`
	ClosedAt       *time.Time      `json:"closedAt,omitempty"`
	ClosureReason  string          `json:"closureReason,omitempty"`
	ClosurePnL     *decimal.Decimal `json:"closurePnl,omitempty"`
}

// PositionState is the fine-grained take-profit progress state machine.
// Values form a DAG: each may only advance, never regress, and CLOSED is a
// sink.
type PositionState string

const (
	PositionStateOpen    PositionState = "OPEN"
	PositionStateTP1Hit  PositionState = "TP1_HIT"
	PositionStateTP2Hit  PositionState = "TP2_HIT"
	PositionStateTP3Hit  PositionState = "TP3_HIT"
	PositionStateClosed  PositionState = "CLOSED"
)

// positionStateOrder gives each PositionState its rank on the DAG; a
// transition is legal only if it strictly increases rank (or targets
// CLOSED, which is always reachable as an override-close).
var positionStateOrder = map[PositionState]int{
	PositionStateOpen:   0,
	PositionStateTP1Hit: 1,
	PositionStateTP2Hit: 2,
	PositionStateTP3Hit: 3,
	PositionStateClosed: 4,
}

// Rank returns the DAG order of a PositionState, or -1 if unknown.
func (s PositionState) Rank() int {
	if r, ok := positionStateOrder[s]; ok {
		return r
	}
	return -1
}

// LifecycleState is the coarse holding-time stage.
type LifecycleState string

const (
	LifecycleOpen    LifecycleState = "OPEN"
	LifecycleWarning LifecycleState = "WARNING"
	LifecycleCritical LifecycleState = "CRITICAL"
	LifecycleClosing LifecycleState = "CLOSING"
	LifecycleClosed  LifecycleState = "CLOSED"
)

// DangerLevel classifies a HealthScore.overallScore.
type DangerLevel string

const (
	DangerSafe     DangerLevel = "SAFE"
	DangerWarning  DangerLevel = "WARNING"
	DangerCritical DangerLevel = "CRITICAL"
)

// DangerLevelFor maps a score in [0,100] to its DangerLevel per the
// boundaries: SAFE >= 70, WARNING 30..69, CRITICAL < 30.
func DangerLevelFor(score float64) DangerLevel {
	switch {
	case score >= 70:
		return DangerSafe
	case score >= 30:
		return DangerWarning
	default:
		return DangerCritical
	}
}

// HealthScore is the five-component composite risk score.
type HealthScore struct {
	TimeAtRisk      float64     `json:"timeAtRisk"`
	Drawdown        float64     `json:"drawdown"`
	VolumeLiquidity float64     `json:"volumeLiquidity"`
	Volatility      float64     `json:"volatility"`
	Profitability   float64     `json:"profitability"`
	OverallScore    float64     `json:"overallScore"`
	DangerLevel     DangerLevel `json:"dangerLevel"`
	ComputedAt      time.Time   `json:"computedAt"`
}

// Priority classifies a Job's scheduling class (HIGH preempts NORMAL
// preempts LOW on dequeue; FIFO within a class).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Candle is the OHLCV bar that drives a Job.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Job is a unit of strategy processing submitted to the pool.
type Job struct {
	JobID      string        `json:"jobId"`
	StrategyID string        `json:"strategyId"`
	Candle     Candle        `json:"candle"`
	Timestamp  time.Time     `json:"timestamp"`
	Priority   Priority      `json:"priority"`
	TimeoutMs  int64         `json:"timeoutMs,omitempty"`
}

// JobResult is the outcome of running a Job through the pool's processing
// function.
type JobResult struct {
	JobID          string      `json:"jobId"`
	StrategyID     string      `json:"strategyId"`
	Success        bool        `json:"success"`
	Result         interface{} `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	StackTrace     string      `json:"stackTrace,omitempty"`
	ProcessingTime time.Duration `json:"processingTime"`
	StartedAt      time.Time   `json:"startedAt"`
	CompletedAt    time.Time   `json:"completedAt"`
}

// BreakerStatus is the circuit-breaker state.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// CircuitBreakerState is the observable snapshot of one strategy's breaker.
type CircuitBreakerState struct {
	StrategyID       string        `json:"strategyId"`
	Status           BreakerStatus `json:"status"`
	FailureCount     int           `json:"failureCount"`
	SuccessCount     int           `json:"successCount"`
	LastFailureTime  *time.Time    `json:"lastFailureTime,omitempty"`
	LastSuccessTime  *time.Time    `json:"lastSuccessTime,omitempty"`
	NextRetryTime    *time.Time    `json:"nextRetryTime,omitempty"`
	RecoveryAttempts int           `json:"recoveryAttempts"`
	TotalFailures    int           `json:"totalFailures"`
	TotalSuccesses   int           `json:"totalSuccesses"`
}

// TradeRecord is a single journal entry.
type TradeRecord struct {
	TradeID    string          `json:"tradeId"`
	Symbol     string          `json:"symbol"`
	Direction  PositionSide    `json:"direction"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnlPercent"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	OpenedAt   time.Time       `json:"openedAt"`
	ExitReason string          `json:"exitReason"`
}

// SessionMetrics is the lightweight counters rolled into BotStateSnapshot.
type SessionMetrics struct {
	TotalOrders     int             `json:"totalOrders"`
	SuccessfulOrders int            `json:"successfulOrders"`
	TotalPnL        decimal.Decimal `json:"totalPnl"`
}

// RiskMetrics is the aggregate risk view rolled into BotStateSnapshot.
type RiskMetrics struct {
	OpenPositions   int     `json:"openPositions"`
	AverageHealth   float64 `json:"averageHealth"`
	CriticalCount   int     `json:"criticalCount"`
}

// BotStateSnapshot is the single persisted file the shutdown coordinator
// writes on shutdown and reads on recovery. SnapshotTime must be the first field
// serialized so a recovered file can be sanity-checked by its leading key.
type BotStateSnapshot struct {
	SnapshotTime   time.Time      `json:"snapshotTime"`
	Positions      []Position     `json:"positions"`
	SessionMetrics SessionMetrics `json:"sessionMetrics"`
	RiskMetrics    RiskMetrics    `json:"riskMetrics"`
}
