package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(cfg, fc, logging.Nop()), fc
}

func TestCanExecute_ClosedByDefault(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	assert.True(t, r.CanExecute("strat-1"))
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	r, _ := newTestRegistry(t, cfg)

	for i := 0; i < 2; i++ {
		r.RecordFailure("strat-1", errors.New("boom"))
	}
	assert.True(t, r.CanExecute("strat-1"), "should stay closed below threshold")

	r.RecordFailure("strat-1", errors.New("boom"))
	assert.False(t, r.CanExecute("strat-1"), "should open at threshold")
	assert.Equal(t, types.BreakerOpen, r.GetState("strat-1").Status)
}

func TestOpenBreaker_TransitionsToHalfOpenAfterBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = 10 * time.Second
	r, fc := newTestRegistry(t, cfg)

	r.RecordFailure("strat-1", errors.New("boom"))
	assert.False(t, r.CanExecute("strat-1"))

	fc.Advance(5 * time.Second)
	assert.False(t, r.CanExecute("strat-1"), "backoff not elapsed yet")

	fc.Advance(6 * time.Second)
	assert.True(t, r.CanExecute("strat-1"), "should move to half-open once backoff elapses")
	assert.Equal(t, types.BreakerHalfOpen, r.GetState("strat-1").Status)
}

func TestHalfOpen_ClosesAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Second
	cfg.HalfOpenAttempts = 2
	r, fc := newTestRegistry(t, cfg)

	r.RecordFailure("strat-1", errors.New("boom"))
	fc.Advance(2 * time.Second)
	require.True(t, r.CanExecute("strat-1"))
	require.Equal(t, types.BreakerHalfOpen, r.GetState("strat-1").Status)

	r.RecordSuccess("strat-1")
	assert.Equal(t, types.BreakerHalfOpen, r.GetState("strat-1").Status, "one success is not enough")

	r.RecordSuccess("strat-1")
	assert.Equal(t, types.BreakerClosed, r.GetState("strat-1").Status)
}

func TestHalfOpen_FailureReopensImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Second
	r, fc := newTestRegistry(t, cfg)

	r.RecordFailure("strat-1", errors.New("boom"))
	fc.Advance(2 * time.Second)
	require.True(t, r.CanExecute("strat-1"))

	r.RecordFailure("strat-1", errors.New("still broken"))
	assert.False(t, r.CanExecute("strat-1"))
	assert.Equal(t, types.BreakerOpen, r.GetState("strat-1").Status)
}

func TestOpenBreaker_BackoffGrowsExponentiallyOnRepeatedFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Second
	cfg.BackoffBase = 2
	cfg.MaxBackoff = time.Minute
	r, fc := newTestRegistry(t, cfg)

	r.RecordFailure("strat-1", errors.New("boom"))
	firstBackoff := r.GetState("strat-1").NextRetryTime.Sub(fc.Now())
	assert.Equal(t, time.Second, firstBackoff, "first open uses the base timeout")

	fc.Advance(2 * time.Second)
	require.True(t, r.CanExecute("strat-1"), "backoff elapsed, should move to half-open")
	r.RecordFailure("strat-1", errors.New("boom again"))
	secondBackoff := r.GetState("strat-1").NextRetryTime.Sub(fc.Now())

	assert.Greater(t, secondBackoff, firstBackoff, "repeated failure should back off further")
}

func TestOnStateChange_FiresOnTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRegistry(t, cfg)

	var events []StateChangeEvent
	r.OnStateChange(func(ev StateChangeEvent) {
		events = append(events, ev)
	})

	r.RecordFailure("strat-1", errors.New("boom"))
	require.Len(t, events, 1)
	assert.Equal(t, types.BreakerClosed, events[0].From)
	assert.Equal(t, types.BreakerOpen, events[0].To)
}

func TestReset_RestoresClosedState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRegistry(t, cfg)

	r.RecordFailure("strat-1", errors.New("boom"))
	require.Equal(t, types.BreakerOpen, r.GetState("strat-1").Status)

	r.Reset("strat-1")
	assert.Equal(t, types.BreakerClosed, r.GetState("strat-1").Status)
	assert.True(t, r.CanExecute("strat-1"))
}
