package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-core/internal/exchange"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// flakyClient wraps a Fake and fails the first failCount PlaceOrder calls
// with a retryable error before delegating to the Fake.
type flakyClient struct {
	*exchange.Fake
	mu        sync.Mutex
	failCount int
	calls     int
}

func (f *flakyClient) PlaceOrder(ctx context.Context, order types.Order) (exchange.OrderAck, error) {
	f.mu.Lock()
	f.calls++
	shouldFail := f.calls <= f.failCount
	f.mu.Unlock()
	if shouldFail {
		return exchange.OrderAck{}, errors.New("connection reset, try again")
	}
	return f.Fake.PlaceOrder(ctx, order)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	cfg.OrderTimeout = time.Second
	cfg.PollInterval = time.Millisecond
	return cfg
}

func testOrder() types.Order {
	return types.Order{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)}
}

func TestPlaceOrder_SucceedsFirstTry(t *testing.T) {
	client := exchange.NewFake()
	p := New(testConfig(), client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RetryCount)
}

func TestPlaceOrder_FillIsReadFromOrderAckNotFabricated(t *testing.T) {
	client := exchange.NewFake()
	client.NextFill = types.OrderFill{FilledQty: decimal.NewFromInt(3), AvgFillPrice: decimal.NewFromInt(101)}
	p := New(testConfig(), client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	require.True(t, res.Success)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromInt(3)))
	assert.True(t, res.AvgPrice.Equal(decimal.NewFromInt(101)))
}

func TestPlaceOrder_RetriesThenSucceeds(t *testing.T) {
	client := &flakyClient{Fake: exchange.NewFake(), failCount: 2}
	p := New(testConfig(), client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RetryCount, "should have retried twice before the third attempt succeeded")
}

func TestPlaceOrder_ExhaustsRetriesAndFails(t *testing.T) {
	client := &flakyClient{Fake: exchange.NewFake(), failCount: 100}
	cfg := testConfig()
	cfg.MaxRetries = 2
	p := New(cfg, client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.FailedOrders)
}

func TestPlaceOrder_NonRetryableShortCircuits(t *testing.T) {
	client := exchange.NewFake()
	client.PlaceErr = nil
	// A zero-value OrderAck with Valid=false trips the pipeline's own
	// NonRetryable classification regardless of the client's error return.
	invalid := &invalidAckClient{Fake: client}
	p := New(testConfig(), invalid, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.RetryCount, "non-retryable classification must stop after the first attempt")
}

type invalidAckClient struct {
	*exchange.Fake
}

func (c *invalidAckClient) PlaceOrder(context.Context, types.Order) (exchange.OrderAck, error) {
	return exchange.OrderAck{Valid: false}, nil
}

func TestPlaceOrder_SlippageBreachIsWarnOnlyNotFailure(t *testing.T) {
	client := exchange.NewFake()
	client.NextFill = types.OrderFill{FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.NewFromInt(110)}
	cfg := testConfig()
	cfg.MaxSlippagePercent = decimal.NewFromFloat(0.5)
	p := New(cfg, client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.NewFromInt(100))
	require.True(t, res.Success, "slippage breach must never fail an otherwise-filled order")
	assert.False(t, res.Slippage.WithinLimits)
	assert.True(t, res.Slippage.Percent.Equal(decimal.NewFromInt(10)))
}

func TestPlaceOrder_FillWithinSlippageLimitsReportsWithinLimitsTrue(t *testing.T) {
	client := exchange.NewFake()
	client.NextFill = types.OrderFill{FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.NewFromFloat(100.1)}
	cfg := testConfig()
	cfg.MaxSlippagePercent = decimal.NewFromFloat(0.5)
	p := New(cfg, client, clock.New(), logging.Nop())

	res := p.PlaceOrder(context.Background(), testOrder(), decimal.NewFromInt(100))
	require.True(t, res.Success)
	assert.True(t, res.Slippage.WithinLimits, "a 0.1%% deviation must be within a 0.5%% limit")
}

func TestResetMetrics_ZeroesAllCounters(t *testing.T) {
	client := exchange.NewFake()
	p := New(testConfig(), client, clock.New(), logging.Nop())

	p.PlaceOrder(context.Background(), testOrder(), decimal.Zero)
	require.Equal(t, int64(1), p.GetMetrics().TotalOrders)

	p.ResetMetrics()
	metrics := p.GetMetrics()
	assert.Equal(t, int64(0), metrics.TotalOrders)
	assert.Equal(t, int64(0), metrics.SuccessfulOrders)
	assert.True(t, metrics.AverageSlippage.IsZero())
}
