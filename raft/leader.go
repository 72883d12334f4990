package raft

import (
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"go.uber.org/zap"
)

func becomeLeader(state *State, o *Outcome, logger *zap.Logger) error {
	logger.Info("elected leader", zap.Int64("term", o.Term), zap.Int("votes", len(o.VotesForMe)))
	appendIndex := state.log.AppendIndex()
	o.Role = Leader
	o.Leader = state.myself
	o.ElectedLeader = true
	o.LastLogIndexBeforeWeBecameLeader = appendIndex
	o.VotesForMe = newMemberSet()
	o.PreVotesForMe = newMemberSet()
	o.HeartbeatResponses = newMemberSet()
	o.renewElectionTimeout()

	followers := NewFollowerStates()
	for _, member := range state.ReplicationMembers() {
		if member == state.myself {
			continue
		}
		followers = followers.With(member, FollowerState{MatchIndex: -1, NextIndex: appendIndex + 1})
	}
	o.FollowerStates = followers

	return appendAndShip(state, o, []common.ReplicatedContent{content.NewLeaderBarrier{}}, logger)
}

// appendAndShip appends contents in the current term and ships them.
func appendAndShip(state *State, o *Outcome, contents []common.ReplicatedContent, logger *zap.Logger) error {
	if len(contents) == 0 {
		return nil
	}
	baseIndex := appendIndexAfter(state, o) + 1
	entries := make([]common.LogEntry, 0, len(contents))
	for _, c := range contents {
		entries = append(entries, common.LogEntry{Term: o.Term, Content: c})
	}
	if len(entries) == 1 {
		o.addLogCommand(AppendLogEntry{Index: baseIndex, Entry: entries[0]})
	} else {
		o.addLogCommand(BatchAppendLogEntries{BaseIndex: baseIndex, Entries: entries})
	}
	logger.Debug("appending entries", zap.Int64("baseIndex", baseIndex), zap.Int("count", len(entries)))
	if err := shipNewEntries(state, o, baseIndex, entries); err != nil {
		return err
	}
	return advanceCommit(state, o)
}

// advanceCommit moves the commit index to the highest index replicated on a
// majority of voting members, provided that entry belongs to the current
// term. Older entries are only ever committed through a later one.
func advanceCommit(state *State, o *Outcome) error {
	selfAppendIndex := appendIndexAfter(state, o)
	voters := state.VotingMembers()
	matchIndexes := make([]int64, 0, len(voters))
	for _, member := range voters {
		if member == state.myself {
			matchIndexes = append(matchIndexes, selfAppendIndex)
			continue
		}
		fs, ok := o.FollowerStates.Get(member)
		if !ok {
			matchIndexes = append(matchIndexes, -1)
			continue
		}
		matchIndexes = append(matchIndexes, fs.MatchIndex)
	}
	if len(matchIndexes) == 0 {
		return nil
	}
	sort.Slice(matchIndexes, func(i, j int) bool {
		return matchIndexes[i] > matchIndexes[j]
	})
	// With the indexes sorted in decreasing order the value at n/2 is
	// present on at least n/2+1 members.
	quorumIndex := matchIndexes[len(matchIndexes)/2]
	if quorumIndex <= o.CommitIndex {
		return nil
	}

	term := o.Term
	if quorumIndex <= state.log.AppendIndex() {
		var err error
		term, err = state.log.ReadEntryTerm(quorumIndex)
		if err != nil {
			return fmt.Errorf("reading term at %d: %w", quorumIndex, err)
		}
	}
	if term == o.Term {
		o.setCommitIndex(quorumIndex)
		o.LeaderCommit = o.CommitIndex
	}
	return nil
}

func handleLeader(state *State, o *Outcome, msg Message, logger *zap.Logger) error {
	switch m := msg.(type) {
	case *HeartbeatTimeout:
		return sendHeartbeats(state, o)
	case *ElectionTimeout:
		// self always counts
		responses := o.HeartbeatResponses.countIn(state.votingMembers) + 1
		if !isQuorum(len(state.votingMembers), responses) {
			logger.Warn("stepping down, no heartbeat responses from a majority",
				zap.Int64("term", o.Term), zap.Int("responses", responses))
			o.stepDown(o.Term)
			o.renewElectionTimeout()
			return nil
		}
		o.HeartbeatResponses = newMemberSet()
		o.renewElectionTimeout()
	case *HeartbeatResponse:
		o.HeartbeatResponses[m.Sender] = struct{}{}
	case *AppendEntriesResponse:
		if m.Term < o.Term {
			return nil
		}
		return handleAppendEntriesResponse(state, o, m, logger)
	case *AppendEntriesRequest:
		if m.Term == o.Term {
			logger.Error("two leaders in the same term", zap.Int64("term", o.Term), zap.Stringer("other", m.Sender))
		}
		o.addOutgoing(m.Sender, &AppendEntriesResponse{
			Sender:      state.myself,
			Term:        o.Term,
			Success:     false,
			MatchIndex:  -1,
			AppendIndex: state.log.AppendIndex(),
		})
	case *Heartbeat:
		if m.LeaderTerm == o.Term {
			logger.Error("two leaders in the same term", zap.Int64("term", o.Term), zap.Stringer("other", m.Sender))
			return nil
		}
		// let the stale leader learn about our term
		o.addOutgoing(m.Sender, &AppendEntriesResponse{
			Sender:      state.myself,
			Term:        o.Term,
			Success:     false,
			MatchIndex:  -1,
			AppendIndex: state.log.AppendIndex(),
		})
	case *VoteRequest:
		o.addOutgoing(m.Sender, &VoteResponse{Sender: state.myself, Term: o.Term, VoteGranted: false})
	case *PreVoteRequest:
		o.addOutgoing(m.Sender, &PreVoteResponse{Sender: state.myself, Term: o.Term, VoteGranted: false})
	case *NewEntryRequest:
		return appendAndShip(state, o, []common.ReplicatedContent{m.Content}, logger)
	case *NewBatchRequest:
		return appendAndShip(state, o, m.Contents, logger)
	case *PruneRequest:
		handlePrune(state, o, m)
	}
	return nil
}

func handleAppendEntriesResponse(state *State, o *Outcome, resp *AppendEntriesResponse, logger *zap.Logger) error {
	if _, ok := o.FollowerStates.Get(resp.Sender); !ok && !state.replicationMembers.contains(resp.Sender) {
		return nil
	}
	o.HeartbeatResponses[resp.Sender] = struct{}{}
	fs := followerState(state, o, resp.Sender)
	appendIndex := state.log.AppendIndex()

	if !resp.Success {
		next := fs.NextIndex - 1
		if resp.AppendIndex+1 < next {
			next = resp.AppendIndex + 1
		}
		if next <= fs.MatchIndex {
			next = fs.MatchIndex + 1
		}
		if next < 0 {
			next = 0
		}
		logger.Debug("follower rejected entries, backing off",
			zap.Stringer("follower", resp.Sender),
			zap.Int64("nextIndex", next),
			zap.Int64("followerAppendIndex", resp.AppendIndex))
		fs.NextIndex = next
		o.FollowerStates = o.FollowerStates.With(resp.Sender, fs)
		if next > appendIndex {
			return nil
		}
		return shipFrom(state, o, resp.Sender, next)
	}

	if resp.MatchIndex > fs.MatchIndex {
		fs.MatchIndex = resp.MatchIndex
	}
	if fs.NextIndex < fs.MatchIndex+1 {
		fs.NextIndex = fs.MatchIndex + 1
	}
	o.FollowerStates = o.FollowerStates.With(resp.Sender, fs)
	if err := advanceCommit(state, o); err != nil {
		return err
	}
	if fs.MatchIndex < appendIndex && fs.NextIndex == fs.MatchIndex+1 {
		return shipFrom(state, o, resp.Sender, fs.NextIndex)
	}
	return nil
}

// sendHeartbeats sends a Heartbeat to every follower and resends entries to
// those that have not acknowledged the whole log.
func sendHeartbeats(state *State, o *Outcome) error {
	commitTerm, err := state.log.ReadEntryTerm(o.CommitIndex)
	if err != nil {
		return fmt.Errorf("reading term at commit index %d: %w", o.CommitIndex, err)
	}
	appendIndex := state.log.AppendIndex()
	for _, member := range state.ReplicationMembers() {
		if member == state.myself {
			continue
		}
		o.addOutgoing(member, &Heartbeat{
			Sender:          state.myself,
			LeaderTerm:      o.Term,
			CommitIndex:     o.CommitIndex,
			CommitIndexTerm: commitTerm,
		})
		fs := followerState(state, o, member)
		if fs.MatchIndex < appendIndex {
			if err := shipFrom(state, o, member, fs.MatchIndex+1); err != nil {
				return err
			}
		}
	}
	return nil
}
