package raft

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
)

type Role int

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case PreCandidate:
		return "PreCandidate"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// StateConfig holds everything State is built from.
type StateConfig struct {
	Myself      uuid.UUID
	Members     []uuid.UUID
	Log         common.RaftLog
	TermStorage common.StateStorage[TermState]
	VoteStorage common.StateStorage[VoteState]
	Cache       *InFlightCache

	PreVoting        bool
	RefuseToBeLeader bool
	CatchupBatchSize int
}

type membershipChange struct {
	index   int64
	members []uuid.UUID
}

// State is the in-memory aggregate a member's role logic reads. Only the
// processing loop owns it; other goroutines use Snapshot.
type State struct {
	myself uuid.UUID

	// These 2 variables are persisted
	termState   TermState
	voteState   VoteState
	termStorage common.StateStorage[TermState]
	voteStorage common.StateStorage[VoteState]

	role               Role
	leader             uuid.UUID
	leaderCommit       int64
	votesForMe         memberSet
	preVotesForMe      memberSet
	heartbeatResponses memberSet

	lastLogIndexBeforeWeBecameLeader int64
	followerStates                   FollowerStates

	log         common.RaftLog
	cache       *InFlightCache
	commitIndex int64

	initialMembers     []uuid.UUID
	membershipHistory  []membershipChange
	votingMembers      memberSet
	replicationMembers memberSet

	supportPreVoting bool
	refuseToBeLeader bool
	catchupBatchSize int
}

// NewState restores a member's state from its persisted term, vote and log.
func NewState(cfg StateConfig) (*State, error) {
	termState, err := cfg.TermStorage.InitialState()
	if err != nil {
		return nil, fmt.Errorf("reading term state: %w", err)
	}
	voteState, err := cfg.VoteStorage.InitialState()
	if err != nil {
		return nil, fmt.Errorf("reading vote state: %w", err)
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewInFlightCache(common.DefaultInFlightCacheMaxEntries)
	}
	batch := cfg.CatchupBatchSize
	if batch <= 0 {
		batch = common.DefaultCatchupBatchSize
	}
	state := &State{
		myself:                           cfg.Myself,
		termState:                        termState,
		voteState:                        voteState,
		termStorage:                      cfg.TermStorage,
		voteStorage:                      cfg.VoteStorage,
		role:                             Follower,
		leaderCommit:                     -1,
		votesForMe:                       newMemberSet(),
		preVotesForMe:                    newMemberSet(),
		heartbeatResponses:               newMemberSet(),
		lastLogIndexBeforeWeBecameLeader: -1,
		followerStates:                   NewFollowerStates(),
		log:                              cfg.Log,
		cache:                            cache,
		commitIndex:                      -1,
		initialMembers:                   cfg.Members,
		votingMembers:                    newMemberSet(cfg.Members...),
		replicationMembers:               newMemberSet(cfg.Members...),
		supportPreVoting:                 cfg.PreVoting,
		refuseToBeLeader:                 cfg.RefuseToBeLeader,
		catchupBatchSize:                 batch,
	}
	if err := state.recoverMembership(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *State) Myself() uuid.UUID        { return s.myself }
func (s *State) Term() int64              { return s.termState.Term }
func (s *State) VotedFor() uuid.UUID {
	if s.voteState.Term != s.termState.Term {
		return uuid.Nil
	}
	return s.voteState.VotedFor
}
func (s *State) Role() Role                     { return s.role }
func (s *State) Leader() uuid.UUID              { return s.leader }
func (s *State) LeaderCommit() int64            { return s.leaderCommit }
func (s *State) CommitIndex() int64             { return s.commitIndex }
func (s *State) EntryLog() common.RaftLog       { return s.log }
func (s *State) Cache() *InFlightCache          { return s.cache }
func (s *State) FollowerStates() FollowerStates { return s.followerStates }
func (s *State) SupportPreVoting() bool         { return s.supportPreVoting }
func (s *State) LastLogIndexBeforeWeBecameLeader() int64 {
	return s.lastLogIndexBeforeWeBecameLeader
}
func (s *State) VotingMembers() []uuid.UUID      { return s.votingMembers.slice() }
func (s *State) ReplicationMembers() []uuid.UUID { return s.replicationMembers.slice() }

// Update applies an outcome. Term and vote are persisted before the log is
// touched; any error returned here is fatal for the member.
func (s *State) Update(o *Outcome) error {
	if changed, err := s.termState.Update(o.Term); err != nil {
		panic(fmt.Sprintf("fatal: %v", err))
	} else if changed {
		if err := s.termStorage.Persist(s.termState); err != nil {
			return fmt.Errorf("persisting term %d: %w", s.termState.Term, err)
		}
	}
	if changed, err := s.voteState.Update(o.VotedFor, o.Term); err != nil {
		panic(fmt.Sprintf("fatal: %v", err))
	} else if changed {
		if err := s.voteStorage.Persist(s.voteState); err != nil {
			return fmt.Errorf("persisting vote for term %d: %w", s.voteState.Term, err)
		}
	}

	s.role = o.Role
	s.leader = o.Leader
	s.leaderCommit = o.LeaderCommit
	s.votesForMe = o.VotesForMe
	s.preVotesForMe = o.PreVotesForMe
	s.heartbeatResponses = o.HeartbeatResponses
	s.lastLogIndexBeforeWeBecameLeader = o.LastLogIndexBeforeWeBecameLeader
	s.followerStates = o.FollowerStates

	for _, cmd := range o.LogCommands {
		if truncate, ok := cmd.(TruncateLogCommand); ok && truncate.FromIndex <= s.commitIndex {
			panic(fmt.Sprintf("fatal: truncation at %d would remove committed entries (commit index %d)", truncate.FromIndex, s.commitIndex))
		}
		if err := cmd.ApplyTo(s.log); err != nil {
			return fmt.Errorf("applying %T to log: %w", cmd, err)
		}
		cmd.ApplyToCache(s.cache)
		s.trackMembership(cmd)
	}

	if o.CommitIndex < s.commitIndex {
		panic(fmt.Sprintf("fatal: commit index moving backwards from %d to %d", s.commitIndex, o.CommitIndex))
	}
	s.commitIndex = o.CommitIndex
	return nil
}

// trackMembership makes the most recently appended member set effective,
// and reverts it when that entry is truncated away.
func (s *State) trackMembership(cmd LogCommand) {
	switch c := cmd.(type) {
	case AppendLogEntry:
		s.observeEntry(c.Index, c.Entry)
	case BatchAppendLogEntries:
		for i := c.Offset; i < len(c.Entries); i++ {
			s.observeEntry(c.BaseIndex+int64(i), c.Entries[i])
		}
	case TruncateLogCommand:
		kept := s.membershipHistory[:0]
		for _, change := range s.membershipHistory {
			if change.index < c.FromIndex {
				kept = append(kept, change)
			}
		}
		s.membershipHistory = kept
		s.applyLatestMembership()
	}
}

func (s *State) observeEntry(index int64, entry common.LogEntry) {
	if set, ok := entry.Content.(content.MemberSet); ok {
		s.membershipHistory = append(s.membershipHistory, membershipChange{index: index, members: set.Members})
		s.applyLatestMembership()
	}
}

func (s *State) applyLatestMembership() {
	members := s.initialMembers
	if n := len(s.membershipHistory); n > 0 {
		members = s.membershipHistory[n-1].members
	}
	s.votingMembers = newMemberSet(members...)
	s.replicationMembers = newMemberSet(members...)
}

func (s *State) recoverMembership() error {
	for index := s.log.PrevIndex() + 1; index <= s.log.AppendIndex(); index++ {
		entry, err := s.log.ReadEntry(index)
		if err != nil {
			return fmt.Errorf("recovering membership from index %d: %w", index, err)
		}
		if set, ok := entry.Content.(content.MemberSet); ok {
			s.membershipHistory = append(s.membershipHistory, membershipChange{index: index, members: set.Members})
		}
	}
	s.applyLatestMembership()
	return nil
}

// readEntry serves from the in-flight cache before falling back to the log.
func (s *State) readEntry(index int64) (common.LogEntry, error) {
	if entry, ok := s.cache.Get(index); ok {
		return entry, nil
	}
	return s.log.ReadEntry(index)
}

// lastLogTerm is the term of the last appended entry, -1 for an empty log.
func (s *State) lastLogTerm() (int64, error) {
	return s.log.ReadEntryTerm(s.log.AppendIndex())
}

// Snapshot is an immutable copy of State for readers outside the processing loop.
type Snapshot struct {
	Myself             uuid.UUID
	Role               Role
	Term               int64
	Leader             uuid.UUID
	VotedFor           uuid.UUID
	CommitIndex        int64
	AppendIndex        int64
	VotingMembers      []uuid.UUID
	ReplicationMembers []uuid.UUID
	FollowerStates     map[uuid.UUID]FollowerState
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Myself:             s.myself,
		Role:               s.role,
		Term:               s.Term(),
		Leader:             s.leader,
		VotedFor:           s.VotedFor(),
		CommitIndex:        s.commitIndex,
		AppendIndex:        s.log.AppendIndex(),
		VotingMembers:      s.VotingMembers(),
		ReplicationMembers: s.ReplicationMembers(),
		FollowerStates:     s.followerStates.Copy(),
	}
}
