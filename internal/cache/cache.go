// Package cache implements a bounded LRU map of opaque per-strategy
// orchestrator objects keyed by strategyId, using a doubly-linked-list-plus-map
// idiom for O(1) touch/evict.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
)

// EntryStats describes one cache entry for GetStats.
type EntryStats struct {
	StrategyID       string
	AccessCount      int64
	AgeMs            int64
	TimeSinceAccessMs int64
}

// Stats is the OrchestratorCache's getStats surface.
type Stats struct {
	Size    int
	Entries []EntryStats
}

type entry struct {
	strategyID  string
	value       interface{}
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
}

// Cache is a bounded LRU cache. maxSize must be >= 1.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	clock   clock.Clock
	logger  logging.Logger

	ll    *list.List
	items map[string]*list.Element
}

// New constructs a Cache with the given capacity (default 10, used when
// maxSize is below 1).
func New(maxSize int, c clock.Clock, logger logging.Logger) *Cache {
	if maxSize < 1 {
		maxSize = 10
	}
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache{
		maxSize: maxSize,
		clock:   c,
		logger:  logger,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Get returns the cached value for strategyId, refreshing its recency and
// bumping its access counter.
func (c *Cache) Get(strategyID string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[strategyID]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	e.lastAccess = c.clock.Now()
	e.accessCount++
	c.ll.MoveToFront(el)
	return e.value, true
}

// Put inserts or updates strategyId's value, evicting the least-recently-
// accessed entry if the cache is at capacity.
func (c *Cache) Put(strategyID string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.items[strategyID]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.lastAccess = now
		c.ll.MoveToFront(el)
		return
	}

	e := &entry{strategyID: strategyID, value: value, createdAt: now, lastAccess: now}
	el := c.ll.PushFront(e)
	c.items[strategyID] = el

	if c.ll.Len() > c.maxSize {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.strategyID)
	c.logger.Warn("evicting least-recently-used orchestrator from cache",
		logging.String("strategy_id", e.strategyID),
		logging.Int64("access_count", e.accessCount),
	)
}

// GetStats returns a snapshot of cache occupancy and per-entry recency.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := Stats{Size: c.ll.Len()}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		stats.Entries = append(stats.Entries, EntryStats{
			StrategyID:        e.strategyID,
			AccessCount:       e.accessCount,
			AgeMs:             now.Sub(e.createdAt).Milliseconds(),
			TimeSinceAccessMs: now.Sub(e.lastAccess).Milliseconds(),
		})
	}
	return stats
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}
