// Package shutdown implements the sequenced cancel-orders / close-positions /
// persist-state shutdown path, and the matching state-recovery path on
// startup. Grounded on an ordered stop sequence (each step independently
// error-logged and never aborting the remaining steps), generalized into
// three independently-failable phases aggregated with go.uber.org/multierr.
package shutdown

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/atlas-desktop/trading-core/internal/errs"
	"github.com/atlas-desktop/trading-core/internal/eventbus"
	"github.com/atlas-desktop/trading-core/internal/lifecycle"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Config configures the coordinator.
type Config struct {
	StateDir                string
	ShutdownTimeout         time.Duration
	CancelOrderRetries      int
	CancelOrderRetryDelay   time.Duration
	CancelOrderBackoffMult  float64
}

// DefaultConfig returns the coordinator's default configuration.
func DefaultConfig(stateDir string) Config {
	return Config{
		StateDir:               stateDir,
		ShutdownTimeout:        60 * time.Second,
		CancelOrderRetries:     3,
		CancelOrderRetryDelay:  time.Second,
		CancelOrderBackoffMult: 2,
	}
}

// PendingOrderCanceller cancels any outstanding orders/conditional orders for
// a symbol. Implemented by internal/exchange.Client.
type PendingOrderCanceller interface {
	CancelAllOrders(ctx context.Context, symbol string) error
	CancelAllConditionalOrders(ctx context.Context, symbol string) error
}

// StateProvider supplies the live data the coordinator snapshots on
// shutdown.
type StateProvider interface {
	OpenPositions() []types.Position
	SessionMetrics() types.SessionMetrics
	RiskMetrics() types.RiskMetrics
}

// ShutdownResult is SHUTDOWN_COMPLETED's payload: independent per-phase
// outcomes, since one phase failing must never suppress the others.
type ShutdownResult struct {
	OrdersCancelled   bool
	PositionsClosed   int
	StatePersisted    bool
	Errors            []string
}

// Coordinator runs the ordered shutdown and recovery sequence.
type Coordinator struct {
	cfg       Config
	canceller PendingOrderCanceller
	lifecycle *lifecycle.Manager
	bus       *eventbus.Bus
	clock     clock.Clock
	logger    logging.Logger

	mu                   sync.Mutex
	shutdownInProgress   bool
	hasSavedState        bool
}

// New constructs a Coordinator.
func New(cfg Config, canceller PendingOrderCanceller, lm *lifecycle.Manager, bus *eventbus.Bus, c clock.Clock, logger logging.Logger) *Coordinator {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{cfg: cfg, canceller: canceller, lifecycle: lm, bus: bus, clock: c, logger: logger}
}

// IsShutdownInProgress reports whether Shutdown is currently executing.
func (co *Coordinator) IsShutdownInProgress() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.shutdownInProgress
}

// HasSavedState reports whether a prior shutdown left a recoverable snapshot.
func (co *Coordinator) HasSavedState() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.hasSavedState
}

// Shutdown runs the three shutdown phases in sequence. Each phase's failure
// is logged and aggregated into the returned error, but never prevents the
// remaining phases from running.
func (co *Coordinator) Shutdown(ctx context.Context, tracked []string, provider StateProvider) (ShutdownResult, error) {
	co.mu.Lock()
	co.shutdownInProgress = true
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		co.shutdownInProgress = false
		co.mu.Unlock()
	}()

	if co.bus != nil {
		co.bus.Publish(eventbus.Event{Type: eventbus.TypeShutdownStarted})
	}

	var result ShutdownResult
	var combined error

	symbols := symbolsOf(provider)

	if err := co.cancelAllPendingOrders(ctx, symbols); err != nil {
		combined = multierr.Append(combined, err)
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.OrdersCancelled = true
	}

	closed, err := co.closeAllPositions(ctx, tracked, "shutdown")
	result.PositionsClosed = closed
	if err != nil {
		combined = multierr.Append(combined, err)
		result.Errors = append(result.Errors, err.Error())
	}

	if err := co.persistState(provider); err != nil {
		combined = multierr.Append(combined, err)
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.StatePersisted = true
	}

	if combined != nil {
		if co.bus != nil {
			co.bus.Publish(eventbus.Event{Type: eventbus.TypeShutdownFailed, Payload: map[string]interface{}{
				"errors": result.Errors,
			}})
		}
	}

	if co.bus != nil {
		co.bus.Publish(eventbus.Event{Type: eventbus.TypeShutdownCompleted, Payload: map[string]interface{}{
			"result": result,
		}})
	}

	return result, combined
}

// cancelAllPendingOrders retries cancellation per symbol with exponential
// backoff, then graceful-degrades: a cancellation failure is logged and the
// shutdown sequence continues regardless.
func (co *Coordinator) cancelAllPendingOrders(ctx context.Context, symbols []string) error {
	if co.canceller == nil {
		return nil
	}

	var result error
	errs.GracefulDegradeFn(co.logger, "cancel pending orders failed after retries", func() error {
		for _, symbol := range symbols {
			symbol := symbol
			err := errs.DoRetry(ctx, co.clock, co.cfg.CancelOrderRetries, co.cfg.CancelOrderRetryDelay, co.cfg.CancelOrderBackoffMult, "shutdown", func(ctx context.Context, attempt int) error {
				if err := co.canceller.CancelAllOrders(ctx, symbol); err != nil {
					return err
				}
				return co.canceller.CancelAllConditionalOrders(ctx, symbol)
			})
			if err != nil {
				result = err
				return err
			}
		}
		return nil
	})
	return result
}

func symbolsOf(provider StateProvider) []string {
	if provider == nil {
		return nil
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range provider.OpenPositions() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols
}

// closeAllPositions triggers an emergency close for every tracked position
// via the lifecycle manager, independent of each other's outcome.
func (co *Coordinator) closeAllPositions(ctx context.Context, tracked []string, reason string) (int, error) {
	if co.lifecycle == nil {
		return 0, nil
	}

	closed := 0
	var combined error
	for _, positionID := range tracked {
		tp, ok := co.lifecycle.GetTracked(positionID)
		if !ok {
			continue
		}
		co.lifecycle.TriggerEmergencyClose(ctx, lifecycle.EmergencyCloseRequest{
			PositionID: positionID,
			Symbol:     tp.Symbol,
			Reason:     reason,
			Priority:   types.PriorityHigh,
		})
		closed++
	}
	return closed, combined
}

// persistState serializes a BotStateSnapshot to <StateDir>/state.json,
// degrading gracefully (warn and continue) on any write failure so a disk
// problem never blocks the remaining shutdown phases.
func (co *Coordinator) persistState(provider StateProvider) error {
	if provider == nil || co.cfg.StateDir == "" {
		return nil
	}

	if err := os.MkdirAll(co.cfg.StateDir, 0o755); err != nil {
		co.logger.Warn("Could not create state directory, persistence will be disabled", logging.Err(err))
		return err
	}

	snapshot := types.BotStateSnapshot{
		SnapshotTime:   co.clock.Now(),
		Positions:      provider.OpenPositions(),
		SessionMetrics: provider.SessionMetrics(),
		RiskMetrics:    provider.RiskMetrics(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		co.logger.Warn("State persistence failed", logging.Err(err))
		return err
	}

	path := filepath.Join(co.cfg.StateDir, "state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		co.logger.Warn("State persistence failed", logging.Err(err))
		return err
	}

	if co.bus != nil {
		co.bus.Publish(eventbus.Event{Type: eventbus.TypeStatePersisted, Payload: map[string]interface{}{
			"path": path,
		}})
	}

	co.mu.Lock()
	co.hasSavedState = true
	co.mu.Unlock()

	return nil
}

// RecoverState reads <StateDir>/state.json, falling back to a nil snapshot
// (and a nil error) on a missing or corrupt file.
func (co *Coordinator) RecoverState() (*types.BotStateSnapshot, error) {
	if co.cfg.StateDir == "" {
		return nil, nil
	}
	path := filepath.Join(co.cfg.StateDir, "state.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		co.logger.Warn("State recovery failed, starting with fresh state", logging.Err(err))
		return nil, nil
	}

	var snapshot types.BotStateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		co.logger.Warn("State recovery failed, starting with fresh state", logging.Err(err))
		return nil, nil
	}

	co.mu.Lock()
	co.hasSavedState = true
	co.mu.Unlock()

	if co.bus != nil {
		co.bus.Publish(eventbus.Event{Type: eventbus.TypeStateRecovered, Payload: map[string]interface{}{
			"positions": len(snapshot.Positions),
		}})
	}

	return &snapshot, nil
}
