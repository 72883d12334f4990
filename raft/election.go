package raft

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// becomePreCandidate asks the voters whether they would vote for us in the
// next term, without moving to that term.
func becomePreCandidate(state *State, o *Outcome, logger *zap.Logger) error {
	lastIndex, lastTerm, err := lastLogIndexAndTerm(state)
	if err != nil {
		return err
	}
	logger.Info("starting pre-election", zap.Int64("term", o.Term))
	o.Role = PreCandidate
	o.Leader = uuid.Nil
	o.VotesForMe = newMemberSet()
	o.PreVotesForMe = newMemberSet(state.myself)
	o.renewElectionTimeout()

	for _, member := range state.VotingMembers() {
		if member == state.myself {
			continue
		}
		o.addOutgoing(member, &PreVoteRequest{
			Sender:       state.myself,
			Term:         o.Term + 1,
			Candidate:    state.myself,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})
	}
	if isQuorum(len(state.votingMembers), o.PreVotesForMe.countIn(state.votingMembers)) {
		return becomeCandidate(state, o, logger)
	}
	return nil
}

func becomeCandidate(state *State, o *Outcome, logger *zap.Logger) error {
	lastIndex, lastTerm, err := lastLogIndexAndTerm(state)
	if err != nil {
		return err
	}
	o.setTerm(o.Term + 1)
	logger.Info("starting election", zap.Int64("term", o.Term))
	o.Role = Candidate
	o.Leader = uuid.Nil
	o.VotedFor = state.myself
	o.VotesForMe = newMemberSet(state.myself)
	o.PreVotesForMe = newMemberSet()
	o.renewElectionTimeout()

	for _, member := range state.VotingMembers() {
		if member == state.myself {
			continue
		}
		o.addOutgoing(member, &VoteRequest{
			Sender:       state.myself,
			Term:         o.Term,
			Candidate:    state.myself,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})
	}
	if isQuorum(len(state.votingMembers), o.VotesForMe.countIn(state.votingMembers)) {
		return becomeLeader(state, o, logger)
	}
	return nil
}

// revertToFollower is used when a leader of the current term shows up.
func revertToFollower(o *Outcome) {
	o.Role = Follower
	o.VotesForMe = newMemberSet()
	o.PreVotesForMe = newMemberSet()
}

// leaderMessageTerm returns the term of messages only a leader sends.
func leaderMessageTerm(msg Message) (int64, bool) {
	switch m := msg.(type) {
	case *AppendEntriesRequest:
		return m.Term, true
	case *Heartbeat:
		return m.LeaderTerm, true
	case *LogCompactionInfo:
		return m.LeaderTerm, true
	}
	return 0, false
}

func handlePreCandidate(state *State, o *Outcome, msg Message, logger *zap.Logger) error {
	if term, ok := leaderMessageTerm(msg); ok {
		if term >= o.Term {
			revertToFollower(o)
		}
		return handleFollower(state, o, msg, logger)
	}

	switch m := msg.(type) {
	case *PreVoteResponse:
		if !m.VoteGranted || m.Term > o.Term || !state.votingMembers.contains(m.Sender) {
			return nil
		}
		o.PreVotesForMe[m.Sender] = struct{}{}
		if isQuorum(len(state.votingMembers), o.PreVotesForMe.countIn(state.votingMembers)) {
			return becomeCandidate(state, o, logger)
		}
	case *PreVoteRequest:
		return handlePreVoteRequest(state, o, m, logger)
	case *VoteRequest:
		if err := handleVoteRequest(state, o, m, logger); err != nil {
			return err
		}
		if o.VotedFor == m.Candidate {
			revertToFollower(o)
		}
	case *ElectionTimeout:
		return startElection(state, o, logger)
	case *PruneRequest:
		handlePrune(state, o, m)
	}
	return nil
}

func handleCandidate(state *State, o *Outcome, msg Message, logger *zap.Logger) error {
	if term, ok := leaderMessageTerm(msg); ok {
		if term >= o.Term {
			revertToFollower(o)
		}
		return handleFollower(state, o, msg, logger)
	}

	switch m := msg.(type) {
	case *VoteResponse:
		if !m.VoteGranted || m.Term != o.Term || !state.votingMembers.contains(m.Sender) {
			return nil
		}
		o.VotesForMe[m.Sender] = struct{}{}
		if isQuorum(len(state.votingMembers), o.VotesForMe.countIn(state.votingMembers)) {
			return becomeLeader(state, o, logger)
		}
	case *VoteRequest:
		return handleVoteRequest(state, o, m, logger)
	case *PreVoteRequest:
		return handlePreVoteRequest(state, o, m, logger)
	case *ElectionTimeout:
		return startElection(state, o, logger)
	case *PruneRequest:
		handlePrune(state, o, m)
	}
	return nil
}
