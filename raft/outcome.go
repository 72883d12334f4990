package raft

import (
	"github.com/google/uuid"
)

// memberSet is a set of member ids. Outcomes always hold their own copy.
type memberSet map[uuid.UUID]struct{}

func newMemberSet(ids ...uuid.UUID) memberSet {
	s := make(memberSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s memberSet) clone() memberSet {
	c := make(memberSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s memberSet) contains(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s memberSet) slice() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// countIn returns how many members of s are also in members.
func (s memberSet) countIn(members memberSet) int {
	n := 0
	for id := range s {
		if members.contains(id) {
			n++
		}
	}
	return n
}

// isQuorum reports whether count is a majority of clusterSize.
func isQuorum(clusterSize, count int) bool {
	return count >= clusterSize/2+1
}

// Outcome is the complete description of what handling one message
// changes. It starts as a copy of the current state and is applied to
// State by State.Update; nothing else mutates State.
type Outcome struct {
	Role         Role
	Term         int64
	Leader       uuid.UUID
	LeaderCommit int64
	VotedFor     uuid.UUID

	VotesForMe         memberSet
	PreVotesForMe      memberSet
	HeartbeatResponses memberSet

	LastLogIndexBeforeWeBecameLeader int64
	FollowerStates                   FollowerStates

	LogCommands      []LogCommand
	OutgoingMessages []Directed

	CommitIndex int64

	RenewElectionTimeout bool
	NeedsFreshSnapshot   bool
	ElectedLeader        bool
	SteppingDown         bool
}

func newOutcome(state *State) *Outcome {
	return &Outcome{
		Role:                             state.role,
		Term:                             state.Term(),
		Leader:                           state.leader,
		LeaderCommit:                     state.leaderCommit,
		VotedFor:                         state.VotedFor(),
		VotesForMe:                       state.votesForMe.clone(),
		PreVotesForMe:                    state.preVotesForMe.clone(),
		HeartbeatResponses:               state.heartbeatResponses.clone(),
		LastLogIndexBeforeWeBecameLeader: state.lastLogIndexBeforeWeBecameLeader,
		FollowerStates:                   state.followerStates,
		CommitIndex:                      state.commitIndex,
	}
}

// setTerm moves to a later term, which always clears the vote.
func (o *Outcome) setTerm(term int64) {
	if term > o.Term {
		o.Term = term
		o.VotedFor = uuid.Nil
	}
}

func (o *Outcome) addLogCommand(cmd LogCommand) {
	o.LogCommands = append(o.LogCommands, cmd)
}

func (o *Outcome) addOutgoing(to uuid.UUID, msg Message) {
	o.OutgoingMessages = append(o.OutgoingMessages, Directed{To: to, Message: msg})
}

func (o *Outcome) renewElectionTimeout() {
	o.RenewElectionTimeout = true
}

func (o *Outcome) setCommitIndex(index int64) {
	if index > o.CommitIndex {
		o.CommitIndex = index
	}
}

// stepDown turns the outcome into a follower of term without a known leader.
func (o *Outcome) stepDown(term int64) {
	if o.Role == Leader {
		o.SteppingDown = true
		o.FollowerStates = NewFollowerStates()
		o.HeartbeatResponses = newMemberSet()
	}
	o.setTerm(term)
	o.Role = Follower
	o.Leader = uuid.Nil
	o.VotesForMe = newMemberSet()
	o.PreVotesForMe = newMemberSet()
}
