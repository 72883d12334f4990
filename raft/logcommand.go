package raft

import (
	"fmt"

	"github.com/neo4j/neo4j-sub258/common"
)

// LogCommand is a change to the raft log decided by a role handler. It is
// applied to the durable log and to the in-flight cache by State.Update.
type LogCommand interface {
	ApplyTo(log common.RaftLog) error
	ApplyToCache(cache *InFlightCache)
}

type AppendLogEntry struct {
	Index int64
	Entry common.LogEntry
}

func (c AppendLogEntry) ApplyTo(log common.RaftLog) error {
	if c.Index <= log.AppendIndex() {
		panic(fmt.Sprintf("fatal: attempted to append over existing entry at index %d (append index %d)", c.Index, log.AppendIndex()))
	}
	_, err := log.Append(c.Entry)
	return err
}

func (c AppendLogEntry) ApplyToCache(cache *InFlightCache) {
	cache.Put(c.Index, c.Entry)
}

// BatchAppendLogEntries appends Entries[Offset:] starting at BaseIndex+Offset.
type BatchAppendLogEntries struct {
	BaseIndex int64
	Offset    int
	Entries   []common.LogEntry
}

func (c BatchAppendLogEntries) ApplyTo(log common.RaftLog) error {
	if len(c.Entries) <= c.Offset {
		return nil
	}
	if first := c.BaseIndex + int64(c.Offset); first != log.AppendIndex()+1 {
		panic(fmt.Sprintf("fatal: batch starting at %d does not follow append index %d", first, log.AppendIndex()))
	}
	_, err := log.Append(c.Entries[c.Offset:]...)
	return err
}

func (c BatchAppendLogEntries) ApplyToCache(cache *InFlightCache) {
	for i := c.Offset; i < len(c.Entries); i++ {
		cache.Put(c.BaseIndex+int64(i), c.Entries[i])
	}
}

type TruncateLogCommand struct {
	FromIndex int64
}

func (c TruncateLogCommand) ApplyTo(log common.RaftLog) error {
	return log.Truncate(c.FromIndex)
}

func (c TruncateLogCommand) ApplyToCache(cache *InFlightCache) {
	cache.Truncate(c.FromIndex)
}

type PruneLogCommand struct {
	PruneIndex int64
}

func (c PruneLogCommand) ApplyTo(log common.RaftLog) error {
	_, err := log.Prune(c.PruneIndex)
	return err
}

func (c PruneLogCommand) ApplyToCache(cache *InFlightCache) {
	cache.Prune(c.PruneIndex)
}
