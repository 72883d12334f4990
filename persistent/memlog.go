package persistent

import (
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub258/common"
)

// InMemoryLog is a RaftLog held in a slice, for tests and throwaway members.
type InMemoryLog struct {
	mu        sync.RWMutex
	entries   []common.LogEntry
	prevIndex int64
	prevTerm  int64
}

var _ common.RaftLog = &InMemoryLog{}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{prevIndex: -1, prevTerm: -1}
}

func (l *InMemoryLog) Append(entries ...common.LogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
	return l.appendIndex(), nil
}

func (l *InMemoryLog) Truncate(fromIndex int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fromIndex < 0 || fromIndex > l.appendIndex()+1 {
		return fmt.Errorf("cannot truncate at %d, append index is %d", fromIndex, l.appendIndex())
	}
	if fromIndex <= l.prevIndex {
		panic(fmt.Sprintf("fatal: truncation at %d is before the pruned prefix ending at %d", fromIndex, l.prevIndex))
	}
	l.entries = l.entries[:fromIndex-l.prevIndex-1]
	return nil
}

func (l *InMemoryLog) Prune(safeIndex int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if safeIndex > l.appendIndex() {
		safeIndex = l.appendIndex()
	}
	if safeIndex <= l.prevIndex {
		return l.prevIndex, nil
	}
	pos := safeIndex - l.prevIndex - 1
	l.prevTerm = l.entries[pos].Term
	l.entries = append([]common.LogEntry(nil), l.entries[pos+1:]...)
	l.prevIndex = safeIndex
	return l.prevIndex, nil
}

func (l *InMemoryLog) Skip(index, term int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.appendIndex() {
		return nil
	}
	l.entries = nil
	l.prevIndex, l.prevTerm = index, term
	return nil
}

func (l *InMemoryLog) ReadEntry(index int64) (common.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.prevIndex || index > l.appendIndex() {
		return common.LogEntry{}, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	return l.entries[index-l.prevIndex-1], nil
}

func (l *InMemoryLog) ReadEntryTerm(index int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.prevIndex {
		return l.prevTerm, nil
	}
	if index < l.prevIndex || index > l.appendIndex() {
		return -1, nil
	}
	return l.entries[index-l.prevIndex-1].Term, nil
}

func (l *InMemoryLog) AppendIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.appendIndex()
}

func (l *InMemoryLog) PrevIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex
}

func (l *InMemoryLog) Close() error { return nil }

func (l *InMemoryLog) appendIndex() int64 {
	return l.prevIndex + int64(len(l.entries))
}
