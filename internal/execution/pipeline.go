// Package execution implements an order execution pipeline: retrying order
// placement with slippage validation and status polling. Grounded on an
// Execute() control flow (validate -> retry loop -> slippage calc -> metrics
// update) plus a status-mapping table and polling loop. The retry loop is
// generalized from a linear fixed-delay retry to exponential backoff
// (retryDelayMs * backoffMultiplier^attempt).
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/internal/errs"
	"github.com/atlas-desktop/trading-core/internal/exchange"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Config configures the pipeline.
type Config struct {
	MaxRetries         int
	RetryDelay         time.Duration
	BackoffMultiplier  float64
	OrderTimeout       time.Duration
	PollInterval       time.Duration
	MaxSlippagePercent decimal.Decimal
}

// DefaultConfig returns the pipeline's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		BackoffMultiplier:  2,
		OrderTimeout:       30 * time.Second,
		PollInterval:       200 * time.Millisecond,
		MaxSlippagePercent: decimal.NewFromFloat(0.5),
	}
}

// SlippageAnalysis is the slippage report for a filled order. A breach
// never retroactively cancels an already-placed order; it is warn-only.
type SlippageAnalysis struct {
	Expected    decimal.Decimal
	Actual      decimal.Decimal
	Amount      decimal.Decimal
	Percent     decimal.Decimal
	WithinLimits bool
}

// OrderResult is the outcome of PlaceOrder.
type OrderResult struct {
	OrderID    string
	Success    bool
	Status     types.OrderStatus
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	RetryCount int
	Error      string
	Slippage   SlippageAnalysis
}

// Metrics is the pipeline's getMetrics surface.
type Metrics struct {
	TotalOrders        int64
	SuccessfulOrders   int64
	FailedOrders       int64
	AverageExecutionTime time.Duration
	AverageSlippage    decimal.Decimal
	AverageRetries     float64
	TotalRetries       int64
}

// Pipeline drives order placement, retry, and slippage tracking.
type Pipeline struct {
	cfg      Config
	client   exchange.Client
	clock    clock.Clock
	logger   logging.Logger

	mu                sync.Mutex
	totalOrders       int64
	successfulOrders  int64
	failedOrders      int64
	sumExecutionTime  time.Duration
	sumSlippage       decimal.Decimal
	totalRetries      int64
}

// New constructs a Pipeline.
func New(cfg Config, client exchange.Client, c clock.Clock, logger logging.Logger) *Pipeline {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{cfg: cfg, client: client, clock: c, logger: logger, sumSlippage: decimal.Zero}
}

// exchangeStatusToInternal maps the exchange's free-form status string to
// the internal taxonomy.
func exchangeStatusToInternal(status string) types.OrderStatus {
	switch status {
	case "Filled":
		return types.OrderStatusFilled
	case "PartiallyFilled":
		return types.OrderStatusPartiallyFilled
	case "Cancelled":
		return types.OrderStatusCancelled
	case "Rejected":
		return types.OrderStatusFailed
	case "New", "Created":
		return types.OrderStatusPending
	default:
		return types.OrderStatusPending
	}
}

// PlaceOrder places order, retrying retryable failures with exponential
// backoff, then polls status to a terminal state and computes slippage
// against expectedPrice.
func (p *Pipeline) PlaceOrder(ctx context.Context, order types.Order, expectedPrice decimal.Decimal) OrderResult {
	start := p.clock.Now()
	if order.OrderID == "" {
		order.OrderID = fmt.Sprintf("ord-%d", start.UnixNano())
	}

	p.mu.Lock()
	p.totalOrders++
	p.mu.Unlock()

	var ack exchange.OrderAck
	retryCount := 0

	placeErr := errs.DoRetry(ctx, p.clock, p.cfg.MaxRetries, p.cfg.RetryDelay, p.cfg.BackoffMultiplier, "execution", func(ctx context.Context, attempt int) error {
		retryCount = attempt
		a, err := p.client.PlaceOrder(ctx, order)
		if err != nil {
			return err
		}
		if !a.Valid {
			return errs.New(errs.NonRetryable, "execution", "invalid_order_result", "invalid order result", nil)
		}
		ack = a
		return nil
	})

	if placeErr != nil {
		normalized := errs.Normalize(placeErr, "execution")
		finalRetryCount := retryCount
		if normalized.Kind == errs.NonRetryable || normalized.Kind == errs.Validation {
			finalRetryCount = 0
		}
		p.recordFailure(finalRetryCount)
		return OrderResult{
			OrderID:    order.OrderID,
			Success:    false,
			Status:     types.OrderStatusFailed,
			RetryCount: finalRetryCount,
			Error:      normalized.Error(),
		}
	}

	status := p.pollToTerminal(ctx, order.OrderID)

	result := OrderResult{
		OrderID:    order.OrderID,
		Status:     status,
		RetryCount: retryCount,
		FilledQty:  ack.Fill.FilledQty,
		AvgPrice:   ack.Fill.AvgFillPrice,
	}

	switch status {
	case types.OrderStatusFilled, types.OrderStatusPartiallyFilled:
		result.Success = ack.Fill.FilledQty.GreaterThan(decimal.Zero)
	default:
		result.Success = false
		if status == types.OrderStatusTimeout {
			result.Error = fmt.Sprintf("order %s timeout waiting for terminal status", order.OrderID)
		}
	}

	if result.Success && !expectedPrice.IsZero() {
		result.Slippage = p.analyzeSlippage(expectedPrice, ack.Fill.AvgFillPrice)
		if !result.Slippage.WithinLimits {
			p.logger.Warn("Slippage exceeds limits",
				logging.String("order_id", order.OrderID),
				logging.String("percent", result.Slippage.Percent.String()),
			)
		}
	}

	executionTime := p.clock.Now().Sub(start)
	p.recordCompletion(result.Success, executionTime, result.Slippage.Percent, retryCount)

	return result
}

func (p *Pipeline) analyzeSlippage(expected, actual decimal.Decimal) SlippageAnalysis {
	amount := actual.Sub(expected).Abs()
	var percent decimal.Decimal
	if !expected.IsZero() {
		percent = amount.Div(expected).Mul(decimal.NewFromInt(100))
	}
	return SlippageAnalysis{
		Expected:    expected,
		Actual:      actual,
		Amount:      amount,
		Percent:     percent,
		WithinLimits: percent.LessThanOrEqual(p.cfg.MaxSlippagePercent),
	}
}

// pollToTerminal polls GetOrderStatus at cfg.PollInterval until a terminal
// status or cfg.OrderTimeout elapses. The fill itself is read from the
// OrderAck returned by PlaceOrder, not from this poll.
func (p *Pipeline) pollToTerminal(ctx context.Context, orderID string) types.OrderStatus {
	deadline := p.clock.Now().Add(p.cfg.OrderTimeout)

	for {
		status, err := p.client.GetOrderStatus(ctx, orderID)
		if err != nil {
			return types.OrderStatusFailed
		}
		internal := exchangeStatusToInternal(status)
		if internal.IsTerminal() {
			return internal
		}
		if !p.clock.Now().Before(deadline) {
			return types.OrderStatusTimeout
		}

		select {
		case <-ctx.Done():
			return types.OrderStatusTimeout
		case <-p.clock.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pipeline) recordFailure(retryCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedOrders++
	p.totalRetries += int64(retryCount)
}

func (p *Pipeline) recordCompletion(success bool, execTime time.Duration, slippagePercent decimal.Decimal, retryCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.successfulOrders++
	} else {
		p.failedOrders++
	}
	p.sumExecutionTime += execTime
	p.sumSlippage = p.sumSlippage.Add(slippagePercent)
	p.totalRetries += int64(retryCount)
}

// GetMetrics returns an independent copy of the pipeline's metrics.
func (p *Pipeline) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalOrders:      p.totalOrders,
		SuccessfulOrders: p.successfulOrders,
		FailedOrders:     p.failedOrders,
		TotalRetries:     p.totalRetries,
	}
	if p.totalOrders > 0 {
		m.AverageExecutionTime = p.sumExecutionTime / time.Duration(p.totalOrders)
		m.AverageSlippage = p.sumSlippage.Div(decimal.NewFromInt(p.totalOrders))
		m.AverageRetries = float64(p.totalRetries) / float64(p.totalOrders)
	}
	return m
}

// ResetMetrics zeroes all counters.
func (p *Pipeline) ResetMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalOrders = 0
	p.successfulOrders = 0
	p.failedOrders = 0
	p.sumExecutionTime = 0
	p.sumSlippage = decimal.Zero
	p.totalRetries = 0
}
