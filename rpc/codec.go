package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/neo4j/neo4j-sub258/raft"
)

type wireEntry struct {
	Term    int64
	Content []byte
}

// wireMessage is the flattened form of every raft message. Replicated
// content travels as marshal frames so that unknown variants survive.
type wireMessage struct {
	Type         raft.MessageType
	Sender       uuid.UUID
	Term         int64
	Candidate    uuid.UUID
	LastLogIndex int64
	LastLogTerm  int64
	Granted      bool
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []wireEntry
	LeaderCommit int64
	Success      bool
	MatchIndex   int64
	AppendIndex  int64
	CommitIndex  int64
	CommitTerm   int64
	PrevIndex    int64
	PruneIndex   int64
	Contents     [][]byte
}

// MessageCodec turns raft messages into bytes and back.
type MessageCodec struct {
	registry *marshal.Registry
}

func NewMessageCodec(registry *marshal.Registry) *MessageCodec {
	return &MessageCodec{registry: registry}
}

func (c *MessageCodec) Encode(msg raft.Message) ([]byte, error) {
	w := wireMessage{Type: msg.Type(), Sender: msg.From()}
	switch m := msg.(type) {
	case *raft.VoteRequest:
		w.Term, w.Candidate, w.LastLogIndex, w.LastLogTerm = m.Term, m.Candidate, m.LastLogIndex, m.LastLogTerm
	case *raft.PreVoteRequest:
		w.Term, w.Candidate, w.LastLogIndex, w.LastLogTerm = m.Term, m.Candidate, m.LastLogIndex, m.LastLogTerm
	case *raft.VoteResponse:
		w.Term, w.Granted = m.Term, m.VoteGranted
	case *raft.PreVoteResponse:
		w.Term, w.Granted = m.Term, m.VoteGranted
	case *raft.AppendEntriesRequest:
		w.Term, w.PrevLogIndex, w.PrevLogTerm, w.LeaderCommit = m.Term, m.PrevLogIndex, m.PrevLogTerm, m.LeaderCommit
		for _, entry := range m.Entries {
			frame, err := c.registry.Marshal(entry.Content)
			if err != nil {
				return nil, err
			}
			w.Entries = append(w.Entries, wireEntry{Term: entry.Term, Content: frame})
		}
	case *raft.AppendEntriesResponse:
		w.Term, w.Success, w.MatchIndex, w.AppendIndex = m.Term, m.Success, m.MatchIndex, m.AppendIndex
	case *raft.Heartbeat:
		w.Term, w.CommitIndex, w.CommitTerm = m.LeaderTerm, m.CommitIndex, m.CommitIndexTerm
	case *raft.HeartbeatResponse:
	case *raft.LogCompactionInfo:
		w.Term, w.PrevIndex = m.LeaderTerm, m.PrevIndex
	case *raft.NewEntryRequest:
		frame, err := c.registry.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Contents = [][]byte{frame}
	case *raft.NewBatchRequest:
		for _, content := range m.Contents {
			frame, err := c.registry.Marshal(content)
			if err != nil {
				return nil, err
			}
			w.Contents = append(w.Contents, frame)
		}
	case *raft.PruneRequest:
		w.PruneIndex = m.PruneIndex
	default:
		return nil, fmt.Errorf("message %v is local and never sent", msg.Type())
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MessageCodec) Decode(data []byte) (raft.Message, error) {
	var w wireMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	switch w.Type {
	case raft.VoteRequestType:
		return &raft.VoteRequest{Sender: w.Sender, Term: w.Term, Candidate: w.Candidate, LastLogIndex: w.LastLogIndex, LastLogTerm: w.LastLogTerm}, nil
	case raft.PreVoteRequestType:
		return &raft.PreVoteRequest{Sender: w.Sender, Term: w.Term, Candidate: w.Candidate, LastLogIndex: w.LastLogIndex, LastLogTerm: w.LastLogTerm}, nil
	case raft.VoteResponseType:
		return &raft.VoteResponse{Sender: w.Sender, Term: w.Term, VoteGranted: w.Granted}, nil
	case raft.PreVoteResponseType:
		return &raft.PreVoteResponse{Sender: w.Sender, Term: w.Term, VoteGranted: w.Granted}, nil
	case raft.AppendEntriesRequestType:
		entries := make([]common.LogEntry, 0, len(w.Entries))
		for _, e := range w.Entries {
			content, err := c.registry.Unmarshal(e.Content)
			if err != nil {
				return nil, err
			}
			entries = append(entries, common.LogEntry{Term: e.Term, Content: content})
		}
		return &raft.AppendEntriesRequest{
			Sender:       w.Sender,
			Term:         w.Term,
			PrevLogIndex: w.PrevLogIndex,
			PrevLogTerm:  w.PrevLogTerm,
			Entries:      entries,
			LeaderCommit: w.LeaderCommit,
		}, nil
	case raft.AppendEntriesResponseType:
		return &raft.AppendEntriesResponse{Sender: w.Sender, Term: w.Term, Success: w.Success, MatchIndex: w.MatchIndex, AppendIndex: w.AppendIndex}, nil
	case raft.HeartbeatType:
		return &raft.Heartbeat{Sender: w.Sender, LeaderTerm: w.Term, CommitIndex: w.CommitIndex, CommitIndexTerm: w.CommitTerm}, nil
	case raft.HeartbeatResponseType:
		return &raft.HeartbeatResponse{Sender: w.Sender}, nil
	case raft.LogCompactionInfoType:
		return &raft.LogCompactionInfo{Sender: w.Sender, LeaderTerm: w.Term, PrevIndex: w.PrevIndex}, nil
	case raft.NewEntryRequestType:
		if len(w.Contents) != 1 {
			return nil, fmt.Errorf("new entry request carries %d contents", len(w.Contents))
		}
		content, err := c.registry.Unmarshal(w.Contents[0])
		if err != nil {
			return nil, err
		}
		return &raft.NewEntryRequest{Sender: w.Sender, Content: content}, nil
	case raft.NewBatchRequestType:
		contents := make([]common.ReplicatedContent, 0, len(w.Contents))
		for _, frame := range w.Contents {
			content, err := c.registry.Unmarshal(frame)
			if err != nil {
				return nil, err
			}
			contents = append(contents, content)
		}
		return &raft.NewBatchRequest{Sender: w.Sender, Contents: contents}, nil
	case raft.PruneRequestType:
		return &raft.PruneRequest{Sender: w.Sender, PruneIndex: w.PruneIndex}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", w.Type)
}
