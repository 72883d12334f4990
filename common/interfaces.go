package common

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by log and state stores when the requested
// index or key does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageFailure marks a state machine error caused by its storage
// rather than by the entry. It is fatal for the member: the entry is not
// considered applied and the member stops.
var ErrStorageFailure = errors.New("state machine storage failure")

// ContentTag identifies a ReplicatedContent variant on the wire. Tags are
// stable: a tag, once assigned, is never reused for another variant.
type ContentTag byte

// ReplicatedContent is an opaque payload carried by a raft log entry.
type ReplicatedContent interface {
	Tag() ContentTag
}

// LogEntry represents one particular log entry in the raft
type LogEntry struct {
	Term    int64
	Content ReplicatedContent
}

// RaftLog is an ordered, gap-free sequence of log entries indexed from 0.
// Implementations are responsible for persisting an append or truncation
// before returning.
type RaftLog interface {
	// Append adds entries at AppendIndex()+1 onwards and returns the index
	// of the last appended entry.
	Append(entries ...LogEntry) (int64, error)
	// Truncate removes every entry at and after fromIndex.
	Truncate(fromIndex int64) error
	// Prune drops a prefix of the log up to (at most) safeIndex and returns
	// the new PrevIndex.
	Prune(safeIndex int64) (int64, error)
	// Skip discards the whole log and continues it as if an entry with the
	// given term existed at index.
	Skip(index, term int64) error
	ReadEntry(index int64) (LogEntry, error)
	// ReadEntryTerm returns the term recorded for PrevIndex() when asked for
	// it (-1 for a log that never pruned) and -1 for indexes not in the log.
	ReadEntryTerm(index int64) (int64, error)
	AppendIndex() int64
	// PrevIndex is the index immediately before the first entry still held.
	PrevIndex() int64
	Close() error
}

// StateStorage persists a single value of type T. Persist must either
// succeed completely or leave the previous value intact.
type StateStorage[T any] interface {
	InitialState() (T, error)
	Persist(value T) error
	Close() error
}

// FSM represents a state machine fed with committed entries, in log order.
// Implementations ignore content kinds they do not handle by returning (nil, nil).
// An error wrapping ErrStorageFailure stops the member; any other error
// rejects the entry and is handed to the proposer.
type FSM interface {
	Apply(index int64, content ReplicatedContent) (interface{}, error)
}

// LeaderLocator answers who the current raft leader is, as far as the
// local member knows.
type LeaderLocator interface {
	Leader() (uuid.UUID, bool)
}
