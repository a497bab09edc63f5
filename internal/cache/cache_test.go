package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
)

func newTestCache(t *testing.T, maxSize int) (*Cache, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(maxSize, fc, logging.Nop()), fc
}

func TestGet_MissOnUnknownKey(t *testing.T) {
	c, _ := newTestCache(t, 2)
	_, ok := c.Get("strat-1")
	assert.False(t, ok)
}

func TestPutGet_RoundTrips(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("strat-1", "orchestrator-1")

	v, ok := c.Get("strat-1")
	require.True(t, ok)
	assert.Equal(t, "orchestrator-1", v)
}

func TestPut_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently touched

	_, ok := c.Get("a")
	assert.False(t, ok, "a should have been evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestGet_RefreshesRecencyPreventingEviction(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Get("a") // touch a, making b the least recently used
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted instead of a")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestPut_UpdatingExistingKeyDoesNotGrowSize(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("a", 1)
	c.Put("a", 2)

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Size)
	v, _ := c.Get("a")
	assert.Equal(t, 2, v)
}

func TestGetStats_TracksAccessCountAndAge(t *testing.T) {
	c, fc := newTestCache(t, 2)
	c.Put("a", 1)
	fc.Advance(5 * time.Second)
	c.Get("a")
	c.Get("a")

	stats := c.GetStats()
	require.Len(t, stats.Entries, 1)
	assert.Equal(t, int64(2), stats.Entries[0].AccessCount)
	assert.Equal(t, int64(5000), stats.Entries[0].AgeMs)
}

func TestClearAll_EmptiesCache(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("a", 1)
	c.Put("b", 2)

	c.ClearAll()
	stats := c.GetStats()
	assert.Equal(t, 0, stats.Size)
	_, ok := c.Get("a")
	assert.False(t, ok)
}
