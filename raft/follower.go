package raft

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func handleFollower(state *State, o *Outcome, msg Message, logger *zap.Logger) error {
	switch m := msg.(type) {
	case *AppendEntriesRequest:
		return handleAppendEntries(state, o, m, logger)
	case *Heartbeat:
		return handleHeartbeat(state, o, m)
	case *LogCompactionInfo:
		handleLogCompactionInfo(state, o, m, logger)
	case *VoteRequest:
		return handleVoteRequest(state, o, m, logger)
	case *PreVoteRequest:
		return handlePreVoteRequest(state, o, m, logger)
	case *ElectionTimeout:
		return startElection(state, o, logger)
	case *PruneRequest:
		handlePrune(state, o, m)
	case *NewEntryRequest, *NewBatchRequest:
		logger.Debug("dropping new entries, not the leader", zap.Stringer("leader", o.Leader))
	}
	return nil
}

// startElection is the election timeout behaviour shared by every
// non-leader role.
func startElection(state *State, o *Outcome, logger *zap.Logger) error {
	if state.refuseToBeLeader || !state.votingMembers.contains(state.myself) {
		logger.Debug("not starting an election",
			zap.Bool("refuseToBeLeader", state.refuseToBeLeader))
		o.Leader = uuid.Nil
		o.renewElectionTimeout()
		return nil
	}
	if state.supportPreVoting {
		return becomePreCandidate(state, o, logger)
	}
	return becomeCandidate(state, o, logger)
}
