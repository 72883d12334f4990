package locktoken

import (
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub258/common"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is what the state machine persists: the current token and the log
// index it was set at.
type State struct {
	Token   Request
	Ordinal int64
}

// InitialState is the state of a member that never applied a request.
var InitialState = State{Token: InvalidToken, Ordinal: -1}

// StateMachine applies committed lock token requests. Apply is called by a
// single applier; CurrentToken may be called from any goroutine.
type StateMachine struct {
	logger  *zap.Logger
	storage common.StateStorage[State]

	mu      sync.Mutex
	state   State
	current atomic.Pointer[Request]
}

var _ common.FSM = &StateMachine{}

func NewStateMachine(logger *zap.Logger, storage common.StateStorage[State]) (*StateMachine, error) {
	state, err := storage.InitialState()
	if err != nil {
		return nil, fmt.Errorf("reading lock token state: %w", err)
	}
	m := &StateMachine{logger: logger, storage: storage, state: state}
	token := state.Token
	m.current.Store(&token)
	return m, nil
}

// Apply handles Request entries and ignores any other content. Entries at
// or before the persisted ordinal were applied before a restart and are
// skipped. The result is whether the request took the token.
func (m *StateMachine) Apply(index int64, c common.ReplicatedContent) (interface{}, error) {
	req, ok := c.(Request)
	if !ok {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if index <= m.state.Ordinal {
		return nil, nil
	}
	expected := NextCandidateID(m.state.Token.CandidateID)
	if req.CandidateID != expected {
		m.logger.Info("ignoring lock token request for a stale candidate id",
			zap.Int64("index", index),
			zap.Stringer("owner", req.Owner),
			zap.Int("candidateId", req.CandidateID),
			zap.Int("expected", expected))
		return false, nil
	}

	next := State{Token: req, Ordinal: index}
	if err := m.storage.Persist(next); err != nil {
		return nil, fmt.Errorf("%w: persisting lock token at %d: %w", common.ErrStorageFailure, index, err)
	}
	m.state = next
	m.current.Store(&req)
	m.logger.Info("lock token taken",
		zap.Int64("index", index),
		zap.Stringer("owner", req.Owner),
		zap.Int("candidateId", req.CandidateID))
	return true, nil
}

func (m *StateMachine) CurrentToken() Request {
	return *m.current.Load()
}

// Ordinal is the log index the current token was set at.
func (m *StateMachine) Ordinal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Ordinal
}

func (m *StateMachine) Close() error {
	return m.storage.Close()
}
