package raft

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
)

// MessageType identifies a message on the wire. Values are stable.
type MessageType byte

const (
	VoteRequestType MessageType = iota + 1
	VoteResponseType
	AppendEntriesRequestType
	AppendEntriesResponseType
	HeartbeatType
	HeartbeatResponseType
	LogCompactionInfoType
	ElectionTimeoutType
	HeartbeatTimeoutType
	NewEntryRequestType
	NewBatchRequestType
	PruneRequestType
	PreVoteRequestType
	PreVoteResponseType
)

func (t MessageType) String() string {
	switch t {
	case VoteRequestType:
		return "VoteRequest"
	case VoteResponseType:
		return "VoteResponse"
	case AppendEntriesRequestType:
		return "AppendEntriesRequest"
	case AppendEntriesResponseType:
		return "AppendEntriesResponse"
	case HeartbeatType:
		return "Heartbeat"
	case HeartbeatResponseType:
		return "HeartbeatResponse"
	case LogCompactionInfoType:
		return "LogCompactionInfo"
	case ElectionTimeoutType:
		return "ElectionTimeout"
	case HeartbeatTimeoutType:
		return "HeartbeatTimeout"
	case NewEntryRequestType:
		return "NewEntryRequest"
	case NewBatchRequestType:
		return "NewBatchRequest"
	case PruneRequestType:
		return "PruneRequest"
	case PreVoteRequestType:
		return "PreVoteRequest"
	case PreVoteResponseType:
		return "PreVoteResponse"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// Message is anything the role state machine reacts to: peer messages,
// client submissions and local timer ticks.
type Message interface {
	From() uuid.UUID
	Type() MessageType
}

// Directed is a message paired with its destination.
type Directed struct {
	To      uuid.UUID
	Message Message
}

// See Raft paper for details on below messages

type VoteRequest struct {
	Sender       uuid.UUID
	Term         int64
	Candidate    uuid.UUID
	LastLogIndex int64
	LastLogTerm  int64
}

type VoteResponse struct {
	Sender      uuid.UUID
	Term        int64
	VoteGranted bool
}

// PreVoteRequest carries the term the candidate would use if it started a
// real election. Receiving one never changes the receiver's term.
type PreVoteRequest struct {
	Sender       uuid.UUID
	Term         int64
	Candidate    uuid.UUID
	LastLogIndex int64
	LastLogTerm  int64
}

type PreVoteResponse struct {
	Sender      uuid.UUID
	Term        int64
	VoteGranted bool
}

type AppendEntriesRequest struct {
	Sender       uuid.UUID
	Term         int64
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []common.LogEntry
	LeaderCommit int64
}

type AppendEntriesResponse struct {
	Sender  uuid.UUID
	Term    int64
	Success bool
	// MatchIndex is the last index known to match the leader, -1 on failure.
	MatchIndex int64
	// AppendIndex is the responder's append index after handling the request.
	AppendIndex int64
}

type Heartbeat struct {
	Sender          uuid.UUID
	LeaderTerm      int64
	CommitIndex     int64
	CommitIndexTerm int64
}

type HeartbeatResponse struct {
	Sender uuid.UUID
}

// LogCompactionInfo tells a follower that the entries it needs have been
// pruned from the leader's log.
type LogCompactionInfo struct {
	Sender     uuid.UUID
	LeaderTerm int64
	PrevIndex  int64
}

type ElectionTimeout struct {
	Sender uuid.UUID
}

type HeartbeatTimeout struct {
	Sender uuid.UUID
}

type NewEntryRequest struct {
	Sender  uuid.UUID
	Content common.ReplicatedContent
}

type NewBatchRequest struct {
	Sender   uuid.UUID
	Contents []common.ReplicatedContent
}

type PruneRequest struct {
	Sender     uuid.UUID
	PruneIndex int64
}

func (m *VoteRequest) From() uuid.UUID           { return m.Sender }
func (m *VoteResponse) From() uuid.UUID          { return m.Sender }
func (m *PreVoteRequest) From() uuid.UUID        { return m.Sender }
func (m *PreVoteResponse) From() uuid.UUID       { return m.Sender }
func (m *AppendEntriesRequest) From() uuid.UUID  { return m.Sender }
func (m *AppendEntriesResponse) From() uuid.UUID { return m.Sender }
func (m *Heartbeat) From() uuid.UUID             { return m.Sender }
func (m *HeartbeatResponse) From() uuid.UUID     { return m.Sender }
func (m *LogCompactionInfo) From() uuid.UUID     { return m.Sender }
func (m *ElectionTimeout) From() uuid.UUID       { return m.Sender }
func (m *HeartbeatTimeout) From() uuid.UUID      { return m.Sender }
func (m *NewEntryRequest) From() uuid.UUID       { return m.Sender }
func (m *NewBatchRequest) From() uuid.UUID       { return m.Sender }
func (m *PruneRequest) From() uuid.UUID          { return m.Sender }

func (*VoteRequest) Type() MessageType           { return VoteRequestType }
func (*VoteResponse) Type() MessageType          { return VoteResponseType }
func (*PreVoteRequest) Type() MessageType        { return PreVoteRequestType }
func (*PreVoteResponse) Type() MessageType       { return PreVoteResponseType }
func (*AppendEntriesRequest) Type() MessageType  { return AppendEntriesRequestType }
func (*AppendEntriesResponse) Type() MessageType { return AppendEntriesResponseType }
func (*Heartbeat) Type() MessageType             { return HeartbeatType }
func (*HeartbeatResponse) Type() MessageType     { return HeartbeatResponseType }
func (*LogCompactionInfo) Type() MessageType     { return LogCompactionInfoType }
func (*ElectionTimeout) Type() MessageType       { return ElectionTimeoutType }
func (*HeartbeatTimeout) Type() MessageType      { return HeartbeatTimeoutType }
func (*NewEntryRequest) Type() MessageType       { return NewEntryRequestType }
func (*NewBatchRequest) Type() MessageType       { return NewBatchRequestType }
func (*PruneRequest) Type() MessageType          { return PruneRequestType }

// messageTerm returns the term a message was sent in, for messages that carry one.
func messageTerm(msg Message) (int64, bool) {
	switch m := msg.(type) {
	case *VoteRequest:
		return m.Term, true
	case *VoteResponse:
		return m.Term, true
	case *PreVoteResponse:
		return m.Term, true
	case *AppendEntriesRequest:
		return m.Term, true
	case *AppendEntriesResponse:
		return m.Term, true
	case *Heartbeat:
		return m.LeaderTerm, true
	case *LogCompactionInfo:
		return m.LeaderTerm, true
	}
	return 0, false
}

func (m *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest from %v {term=%d, prevLogIndex=%d, prevLogTerm=%d, entries=%d, leaderCommit=%d}",
		m.Sender, m.Term, m.PrevLogIndex, m.PrevLogTerm, len(m.Entries), m.LeaderCommit)
}

func (m *AppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse from %v {term=%d, success=%t, matchIndex=%d, appendIndex=%d}",
		m.Sender, m.Term, m.Success, m.MatchIndex, m.AppendIndex)
}
