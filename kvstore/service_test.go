package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/locking"
	"github.com/neo4j/neo4j-sub258/locktoken"
	"github.com/neo4j/neo4j-sub258/persistent"
	"github.com/neo4j/neo4j-sub258/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// localReplicator applies content straight to an FSM.
type localReplicator struct {
	mu    sync.Mutex
	fsm   common.FSM
	index int64
}

func (r *localReplicator) Replicate(_ context.Context, c common.ReplicatedContent) (*replication.Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := r.fsm.Apply(r.index, c)
	r.index++
	return replication.NewCompletedFuture(result, err), nil
}

type noLeader struct{}

func (noLeader) Leader() (uuid.UUID, bool) { return uuid.Nil, false }

func call(t *testing.T, s *Service, request Request) common.ClientRequestRPCResult {
	data, err := json.Marshal(request)
	require.NoError(t, err)
	var result common.ClientRequestRPCResult
	require.NoError(t, s.ClientRequest(&common.ClientRequestRPC{Data: data}, &result))
	return result
}

func TestService_ClientRequest(t *testing.T) {
	fsm := NewKeyValFSM()
	s := NewService(zaptest.NewLogger(t), locking.NewLocks(), &localReplicator{fsm: fsm}, time.Second)

	result := call(t, s, Request{Type: Set, Key: "a", Val: "1", TransactionId: uuid.New()})
	assert.True(t, result.Success, result.Error)

	result = call(t, s, Request{Type: Get, Key: "a", TransactionId: uuid.New()})
	assert.True(t, result.Success, result.Error)
	assert.Equal(t, []byte("1"), result.Data)

	result = call(t, s, Request{Type: Get, Key: "b", TransactionId: uuid.New()})
	assert.False(t, result.Success)
	assert.False(t, result.Retryable)
	assert.Equal(t, ErrKeyNotFound.Error(), result.Error)

	var malformed common.ClientRequestRPCResult
	require.NoError(t, s.ClientRequest(&common.ClientRequestRPC{Data: []byte("{")}, &malformed))
	assert.False(t, malformed.Success)
	assert.NotEmpty(t, malformed.Error)
}

func TestService_WritesNeedTheLockToken(t *testing.T) {
	fsm := NewKeyValFSM()
	tokens, err := locktoken.NewStateMachine(zaptest.NewLogger(t), persistent.NewInMemoryStateStorage(locktoken.InitialState))
	require.NoError(t, err)
	replicator := &localReplicator{fsm: fsm}
	locks := locking.NewLeaderOnlyLockManager(zaptest.NewLogger(t), uuid.New(), replicator, noLeader{}, locking.NewLocks(), tokens, time.Second)
	s := NewService(zaptest.NewLogger(t), locks, replicator, time.Second)

	result := call(t, s, Request{Type: Set, Key: "a", Val: "1", TransactionId: uuid.New()})
	assert.False(t, result.Success)
	assert.True(t, result.Retryable)
	_, ok := fsm.Lookup("a")
	assert.False(t, ok)

	// reads only take a shared lock
	result = call(t, s, Request{Type: Get, Key: "a", TransactionId: uuid.New()})
	assert.False(t, result.Retryable)
	assert.Equal(t, ErrKeyNotFound.Error(), result.Error)
}
