// Command bot is the execution-fabric entry point: flag parsing
// (-config/-log-level/-paper/-state-dir), component construction, and an
// ordered stop sequence on signal. It wires the execution fabric's own
// components rather than an autonomous-agent / orchestrator / API-server
// stack.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/internal/breaker"
	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/errs"
	"github.com/atlas-desktop/trading-core/internal/eventbus"
	"github.com/atlas-desktop/trading-core/internal/exchange"
	"github.com/atlas-desktop/trading-core/internal/execution"
	"github.com/atlas-desktop/trading-core/internal/journal"
	"github.com/atlas-desktop/trading-core/internal/lifecycle"
	"github.com/atlas-desktop/trading-core/internal/pool"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/internal/shutdown"
	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/config"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paperTrading := flag.Bool("paper", true, "Enable paper trading mode (uses the in-memory fake exchange client)")
	stateDir := flag.String("state-dir", "./data/state", "Directory for shutdown snapshots and recovery")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	zapLogger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer zapLogger.Raw().Sync()
	var logger logging.Logger = zapLogger

	logger.Info("starting trading-core execution fabric",
		logging.Bool("paperTrading", *paperTrading),
		logging.String("stateDir", cfg.StateDir),
	)

	systemClock := clock.New()

	bus := eventbus.New(logger)

	breakers := breaker.New(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		Timeout:          cfg.BreakerTimeout(),
		BackoffBase:      cfg.BackoffBase,
		MaxBackoff:       cfg.MaxBackoff(),
		HalfOpenAttempts: cfg.HalfOpenAttempts,
		MaxBreakers:      1000,
	}, systemClock, logger)
	breakers.OnStateChange(func(ev breaker.StateChangeEvent) {
		logger.Info("circuit breaker state changed",
			logging.String("strategy_id", ev.StrategyID),
			logging.String("from", string(ev.From)),
			logging.String("to", string(ev.To)),
		)
	})

	strategyCache := cache.New(1000, systemClock, logger)

	var exchangeClient exchange.Client
	if *paperTrading {
		exchangeClient = exchange.NewFake()
	} else {
		logger.Error("no live exchange client wired; falling back to paper trading")
		exchangeClient = exchange.NewFake()
	}

	positions := position.New(systemClock, logger)
	positions.Initialize()

	pipeline := execution.New(execution.Config{
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelay(),
		BackoffMultiplier:  cfg.BackoffMultiplier,
		OrderTimeout:       cfg.OrderTimeout(),
		PollInterval:       200 * time.Millisecond,
		MaxSlippagePercent: decimal.NewFromFloat(cfg.MaxSlippagePercent),
	}, exchangeClient, systemClock, logger)

	lifecycleManager := lifecycle.New(lifecycle.Config{
		WarningThresholdMinutes: cfg.WarningThresholdMinutes,
		MaxHoldingTimeMinutes:   cfg.MaxHoldingTimeMinutes,
		EnableAutomaticTimeout:  true,
	}, bus, pipeline, positions, systemClock, logger)

	riskMonitor := risk.New(risk.Config{
		Weights:                  risk.DefaultWeights(),
		CheckIntervalCandles:     cfg.CheckIntervalCandles,
		HealthScoreThreshold:     cfg.HealthScoreThreshold,
		EmergencyCloseOnCritical: true,
		MaxMinutesHeld:           cfg.MaxHoldingTimeMinutes,
		MaxDrawdownThresholdPct:  10,
		TargetPnLPct:             5,
	}, bus, systemClock, logger)

	jnl, err := journal.NewFileJournal(cfg.StateDir)
	if err != nil {
		logger.Warn("could not initialize trade journal, using in-memory journal", logging.Err(err))
		jnl = nil
	}
	var tradeJournal journal.Journal
	if jnl != nil {
		tradeJournal = jnl
	} else {
		tradeJournal = journal.NewMemory()
	}

	jobPool := pool.New(pool.Config{
		Name:             "strategy-processing",
		WorkerPoolSize:   cfg.WorkerPoolSize,
		QueueSize:        cfg.QueueSize,
		DefaultTimeoutMs: cfg.DefaultTimeoutMs,
		ShutdownTimeout:  10 * time.Second,
		AntiStarvationN:  cfg.WorkerPoolSize * 4,
	}, systemClock, logger)
	jobPool.SetProcessingFunction(func(ctx context.Context, job types.Job) (interface{}, error) {
		if !breakers.CanExecute(job.StrategyID) {
			return nil, errs.New(errs.NonRetryable, "pool", "breaker_open", "circuit breaker is open for "+job.StrategyID, nil)
		}
		return job, nil
	})
	jobPool.Start()

	shutdownCfg := shutdown.DefaultConfig(cfg.StateDir)
	shutdownCfg.ShutdownTimeout = cfg.ShutdownTimeout()
	coordinator := shutdown.New(shutdownCfg, exchangeClient, lifecycleManager, bus, systemClock, logger)

	if snapshot, err := coordinator.RecoverState(); err != nil {
		logger.Warn("state recovery encountered an error, starting fresh", logging.Err(err))
	} else if snapshot != nil {
		logger.Info("recovered prior state",
			logging.Int("positions", len(snapshot.Positions)),
			logging.Time("snapshot_time", snapshot.SnapshotTime),
		)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("trading-core execution fabric started")

	<-sigCh
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	result, err := coordinator.Shutdown(ctx, []string{}, noopStateProvider{})
	if err != nil {
		logger.Error("shutdown completed with errors",
			logging.Bool("orders_cancelled", result.OrdersCancelled),
			logging.Int("positions_closed", result.PositionsClosed),
			logging.Bool("state_persisted", result.StatePersisted),
			logging.Err(err),
		)
	} else {
		logger.Info("shutdown completed cleanly")
	}

	jobPool.Shutdown()

	// strategyCache, riskMonitor, and tradeJournal are constructed here and
	// handed to anything that wires in a live candle feed; driving their
	// Check/Get/AppendTrade calls from real market data is out of scope.
	_ = strategyCache
	_ = riskMonitor
	_ = tradeJournal
}

// noopStateProvider is the default StateProvider until a live position
// book is wired in; it persists an empty-but-valid snapshot on shutdown
// rather than skipping persistence outright.
type noopStateProvider struct{}

func (noopStateProvider) OpenPositions() []types.Position        { return nil }
func (noopStateProvider) SessionMetrics() types.SessionMetrics    { return types.SessionMetrics{} }
func (noopStateProvider) RiskMetrics() types.RiskMetrics          { return types.RiskMetrics{} }
