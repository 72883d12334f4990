package kvstore_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/neo4j/neo4j-sub258/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedServer answers every request with the same result.
type scriptedServer struct {
	mu       sync.Mutex
	err      error
	result   common.ClientRequestRPCResult
	requests []kvstore.Request
}

func (s *scriptedServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var request kvstore.Request
	if err := json.Unmarshal(args.Data, &request); err != nil {
		return err
	}
	s.requests = append(s.requests, request)
	*result = s.result
	return s.err
}

func (s *scriptedServer) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestKVStore_MovesOnToAnotherServer(t *testing.T) {
	unreachable := &scriptedServer{err: errors.New("connection refused")}
	follower := &scriptedServer{result: common.ClientRequestRPCResult{Error: "not leader", Retryable: true}}
	leader := &scriptedServer{result: common.ClientRequestRPCResult{Success: true, Data: []byte("1")}}
	store := kvstore.NewKeyValStoreWith(unreachable, follower, leader)

	id, val, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, int32(2), store.LastKnownResponder.Load())

	// the last responder is asked first from now on
	_, err = store.Set("a", "2")
	require.NoError(t, err)
	assert.Equal(t, 1, unreachable.received())
	assert.Equal(t, 1, follower.received())
	assert.Equal(t, 2, leader.received())
	assert.Equal(t, kvstore.Request{Type: kvstore.Set, Key: "a", Val: "2", TransactionId: leader.requests[1].TransactionId}, leader.requests[1])
}

func TestKVStore_StopsAtDefiniteFailure(t *testing.T) {
	first := &scriptedServer{result: common.ClientRequestRPCResult{Error: kvstore.ErrKeyNotFound.Error()}}
	second := &scriptedServer{result: common.ClientRequestRPCResult{Success: true}}
	store := kvstore.NewKeyValStoreWith(first, second)

	_, _, err := store.Get("a")
	assert.EqualError(t, err, kvstore.ErrKeyNotFound.Error())
	assert.Equal(t, 0, second.received())
}

func TestKVStore_AllServersFail(t *testing.T) {
	a := &scriptedServer{err: errors.New("a is down")}
	b := &scriptedServer{result: common.ClientRequestRPCResult{Error: "b has no leader", Retryable: true}}
	store := kvstore.NewKeyValStoreWith(a, b)

	err := store.SetWithUUID("k", "v", uuid.New())
	assert.ErrorContains(t, err, "a is down")
	assert.ErrorContains(t, err, "b has no leader")

	_, err = kvstore.NewKeyValStoreWith().Set("k", "v")
	assert.Error(t, err)
}

func freeAddress(b *testing.B) common.ServerAddress {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(b, err)
	defer listener.Close()
	return common.ServerAddress(listener.Addr().String())
}

func spinUpClusterAndGetStoreInterface(b *testing.B, numServers int) (*kvstore.KVStore, []*server.Server) {
	cfg := &common.Config{HeartbeatTimeout: 50, ElectionTimeout: 200, DataDir: b.TempDir()}
	for i := 0; i < numServers; i++ {
		cfg.Cluster = append(cfg.Cluster, common.Server{ID: uuid.New(), NetAddress: freeAddress(b)})
	}
	var servers []*server.Server
	for _, member := range cfg.Cluster {
		s, err := server.Start(zap.NewNop(), cfg, member.ID)
		require.NoError(b, err)
		servers = append(servers, s)
	}
	b.Cleanup(func() {
		for _, s := range servers {
			assert.NoError(b, s.Stop())
		}
	})
	require.Eventually(b, func() bool {
		for _, s := range servers {
			if s.Machine.IsLeader() {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond, "election liveness not satisfied (no leader elected ever)")

	store := kvstore.NewKeyValStore(cfg.Cluster)
	b.Cleanup(func() { _ = store.Close() })
	return store, servers
}

func BenchmarkClient_ReadWriteThroughput(b *testing.B) {
	store, _ := spinUpClusterAndGetStoreInterface(b, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%d", i)
		if _, err := store.Set(key, fmt.Sprintf("val%d", i)); err != nil {
			b.Fatal(err)
		}
		if _, _, err := store.Get(key); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClient_ParallelWrites(b *testing.B) {
	store, _ := spinUpClusterAndGetStoreInterface(b, 3)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := uuid.NewString()
			if _, err := store.Set(key, key); err != nil {
				b.Error(err)
			}
		}
	})
}
