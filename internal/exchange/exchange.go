// Package exchange defines the external exchange client interface and an
// in-memory Fake for tests, trimmed from a broader exchange-adapter
// interface down to the four core order operations.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Client is the external exchange collaborator.
type Client interface {
	PlaceOrder(ctx context.Context, order types.Order) (OrderAck, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	CancelAllConditionalOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, orderID string) (string, error)
}

// OrderAck is the immediate exchange acknowledgment of a PlaceOrder call.
type OrderAck struct {
	OrderID string
	Valid   bool
	Fill    types.OrderFill
}

// Fake is an in-memory Client for tests.
type Fake struct {
	mu       sync.Mutex
	orders   map[string]string // orderID -> exchange status string
	fills    map[string]types.OrderFill
	PlaceErr error
	CancelErr error
	StatusErr error
	NextStatus string // exchange status string returned by GetOrderStatus
	// NextFill overrides the fill reported in OrderAck.Fill for every
	// subsequent PlaceOrder call. Left zero-valued, PlaceOrder fills the
	// order's full requested quantity at its requested price.
	NextFill types.OrderFill
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		orders: make(map[string]string),
		fills:  make(map[string]types.OrderFill),
		NextStatus: "Filled",
	}
}

func (f *Fake) PlaceOrder(_ context.Context, order types.Order) (OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return OrderAck{}, f.PlaceErr
	}
	id := order.OrderID
	if id == "" {
		id = fmt.Sprintf("fake-%d", len(f.orders)+1)
	}
	f.orders[id] = "New"

	fill := f.NextFill
	if fill.FilledQty.IsZero() {
		fill.FilledQty = order.Quantity
	}
	if fill.AvgFillPrice.IsZero() {
		fill.AvgFillPrice = order.Price
	}
	f.fills[id] = fill

	return OrderAck{OrderID: id, Valid: true, Fill: fill}, nil
}

// FillFor returns the fill recorded for orderID by a prior PlaceOrder call.
func (f *Fake) FillFor(orderID string) (types.OrderFill, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fill, ok := f.fills[orderID]
	return fill, ok
}

func (f *Fake) CancelAllOrders(_ context.Context, _ string) error {
	return f.CancelErr
}

func (f *Fake) CancelAllConditionalOrders(_ context.Context, _ string) error {
	return f.CancelErr
}

func (f *Fake) GetOrderStatus(_ context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	if _, ok := f.orders[orderID]; !ok {
		return "", fmt.Errorf("unknown order %s", orderID)
	}
	return f.NextStatus, nil
}

// SetStatus records a per-order status string and makes orderID known to
// GetOrderStatus. GetOrderStatus does not read the recorded string: it
// reports NextStatus for every known order.
func (f *Fake) SetStatus(orderID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID] = status
}
