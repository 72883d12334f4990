package raft

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
)

// followerState returns the leader's view of member, starting a member the
// leader has not tracked yet just past the leader's log.
func followerState(state *State, o *Outcome, member uuid.UUID) FollowerState {
	if fs, ok := o.FollowerStates.Get(member); ok {
		return fs
	}
	return FollowerState{MatchIndex: -1, NextIndex: state.log.AppendIndex() + 1}
}

// shipNewEntries sends entries appended in this outcome at baseIndex to
// every follower that has already been sent everything before them.
// Followers further behind are caught up from their responses instead.
func shipNewEntries(state *State, o *Outcome, baseIndex int64, entries []common.LogEntry) error {
	prevTerm, err := state.log.ReadEntryTerm(baseIndex - 1)
	if err != nil {
		return fmt.Errorf("reading term at %d: %w", baseIndex-1, err)
	}
	for _, member := range state.ReplicationMembers() {
		if member == state.myself {
			continue
		}
		fs := followerState(state, o, member)
		if fs.NextIndex != baseIndex {
			continue
		}
		o.addOutgoing(member, &AppendEntriesRequest{
			Sender:       state.myself,
			Term:         o.Term,
			PrevLogIndex: baseIndex - 1,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: o.CommitIndex,
		})
		fs.NextIndex = baseIndex + int64(len(entries))
		o.FollowerStates = o.FollowerStates.With(member, fs)
	}
	return nil
}

// shipFrom sends member up to catchupBatchSize entries starting at from, or
// a LogCompactionInfo when those entries are no longer in the log.
func shipFrom(state *State, o *Outcome, member uuid.UUID, from int64) error {
	log := state.log
	fs := followerState(state, o, member)
	if from <= log.PrevIndex() {
		o.addOutgoing(member, &LogCompactionInfo{
			Sender:     state.myself,
			LeaderTerm: o.Term,
			PrevIndex:  log.PrevIndex(),
		})
		return nil
	}

	last := log.AppendIndex()
	if limit := from + int64(state.catchupBatchSize) - 1; limit < last {
		last = limit
	}
	var entries []common.LogEntry
	for index := from; index <= last; index++ {
		entry, err := state.readEntry(index)
		if err != nil {
			return fmt.Errorf("reading entry %d for %v: %w", index, member, err)
		}
		entries = append(entries, entry)
	}
	prevTerm, err := log.ReadEntryTerm(from - 1)
	if err != nil {
		return fmt.Errorf("reading term at %d: %w", from-1, err)
	}
	o.addOutgoing(member, &AppendEntriesRequest{
		Sender:       state.myself,
		Term:         o.Term,
		PrevLogIndex: from - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: o.CommitIndex,
	})
	fs.NextIndex = from + int64(len(entries))
	o.FollowerStates = o.FollowerStates.With(member, fs)
	return nil
}
