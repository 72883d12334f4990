package raft

import (
	"math"
	"sync"

	"github.com/neo4j/neo4j-sub258/common"
)

// InFlightCache keeps recently appended entries in memory so that shipping
// and application rarely touch the log. It is read by the application
// goroutine while the processing loop writes it. Applied entries are
// evicted through Prune; a full cache evicts its oldest entry.
type InFlightCache struct {
	mu         sync.RWMutex
	maxEntries int
	entries    map[int64]common.LogEntry
}

// NewInFlightCache returns a cache of at most maxEntries entries. It caches
// nothing when maxEntries is not positive.
func NewInFlightCache(maxEntries int) *InFlightCache {
	return &InFlightCache{
		maxEntries: maxEntries,
		entries:    make(map[int64]common.LogEntry),
	}
}

func (c *InFlightCache) Put(index int64, entry common.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries <= 0 {
		return
	}
	if _, ok := c.entries[index]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[index] = entry
}

func (c *InFlightCache) evictOldest() {
	oldest := int64(math.MaxInt64)
	for index := range c.entries {
		if index < oldest {
			oldest = index
		}
	}
	delete(c.entries, oldest)
}

func (c *InFlightCache) Get(index int64) (common.LogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[index]
	return entry, ok
}

// Truncate removes every entry at or after fromIndex.
func (c *InFlightCache) Truncate(fromIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index := range c.entries {
		if index >= fromIndex {
			delete(c.entries, index)
		}
	}
}

// Prune removes every entry at or before upToIndex.
func (c *InFlightCache) Prune(upToIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index := range c.entries {
		if index <= upToIndex {
			delete(c.entries, index)
		}
	}
}

func (c *InFlightCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
