package raft

import (
	"testing"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/stretchr/testify/assert"
)

func TestInFlightCache(t *testing.T) {
	cache := NewInFlightCache(3)
	for i := int64(0); i < 5; i++ {
		cache.Put(i, common.LogEntry{Term: 1, Content: content.IntegerOf(i)})
	}
	// a full cache makes room by evicting the oldest entries
	assert.Equal(t, 3, cache.Len())
	for i := int64(0); i < 2; i++ {
		_, ok := cache.Get(i)
		assert.False(t, ok, "index %d", i)
	}
	entry, ok := cache.Get(4)
	assert.True(t, ok)
	assert.Equal(t, content.IntegerOf(4), entry.Content)

	// replacing a cached index evicts nothing
	cache.Put(4, common.LogEntry{Term: 2, Content: content.IntegerOf(40)})
	assert.Equal(t, 3, cache.Len())
	_, ok = cache.Get(2)
	assert.True(t, ok)

	cache.Prune(2)
	_, ok = cache.Get(2)
	assert.False(t, ok)
	assert.Equal(t, 2, cache.Len())

	cache.Truncate(4)
	assert.Equal(t, 1, cache.Len())
	_, ok = cache.Get(3)
	assert.True(t, ok)

	disabled := NewInFlightCache(0)
	disabled.Put(1, common.LogEntry{Term: 1})
	_, ok = disabled.Get(1)
	assert.False(t, ok)
}

func TestInFlightCache_KeepsNewestEntriesWhenAppendingPastCapacity(t *testing.T) {
	cache := NewInFlightCache(16)
	for i := int64(0); i < 40; i++ {
		cache.Put(i, common.LogEntry{Term: 1, Content: content.IntegerOf(i)})
	}
	assert.Equal(t, 16, cache.Len())
	for i := int64(0); i < 24; i++ {
		_, ok := cache.Get(i)
		assert.False(t, ok, "index %d", i)
	}
	for i := int64(24); i < 40; i++ {
		_, ok := cache.Get(i)
		assert.True(t, ok, "index %d", i)
	}
}
