package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/neo4j/neo4j-sub258/locktoken"
	"github.com/neo4j/neo4j-sub258/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func freeAddress(t *testing.T) common.ServerAddress {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return common.ServerAddress(listener.Addr().String())
}

func generateConfig(t *testing.T, n int) *common.Config {
	cfg := &common.Config{
		HeartbeatTimeout: 50,
		// elections are triggered by the test
		ElectionTimeout: 10000,
		DataDir:         t.TempDir(),
	}
	for i := 0; i < n; i++ {
		cfg.Cluster = append(cfg.Cluster, common.Server{ID: uuid.New(), NetAddress: freeAddress(t)})
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestServer_ReplicatesKeyValueRequests(t *testing.T) {
	cfg := generateConfig(t, 3)
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	servers := make([]*server.Server, len(cfg.Cluster))
	for i, member := range cfg.Cluster {
		s, err := server.Start(logger, cfg, member.ID)
		require.NoError(t, err)
		servers[i] = s
	}
	defer func() {
		for _, s := range servers {
			if s != nil {
				assert.NoError(t, s.Stop())
			}
		}
	}()

	leader := servers[1]
	leader.Machine.TriggerElection()
	for _, s := range servers {
		s := s
		require.Eventually(t, func() bool {
			id, ok := s.Machine.Leader()
			return ok && id == leader.Myself.ID
		}, 10*time.Second, 10*time.Millisecond)
	}

	// the client starts with a follower, which cannot grant the write lock
	store := kvstore.NewKeyValStore(cfg.Cluster)
	defer store.Close()
	_, err := store.Set("a", "1")
	require.NoError(t, err)
	_, val, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	_, _, err = store.Get("missing")
	assert.ErrorContains(t, err, kvstore.ErrKeyNotFound.Error())

	want := locktoken.Request{Owner: leader.Myself.ID, CandidateID: 0}
	for _, s := range servers {
		s := s
		assert.Eventually(t, func() bool {
			val, ok := s.KV.Lookup("a")
			return ok && val == "1" && s.Tokens.CurrentToken() == want
		}, 10*time.Second, 10*time.Millisecond)
	}

	// a restarted member rebuilds the kv store from its log and keeps the token
	restarted := servers[2]
	require.NoError(t, restarted.Stop())
	servers[2] = nil
	restarted, err = server.Start(logger, cfg, cfg.Cluster[2].ID)
	require.NoError(t, err)
	servers[2] = restarted
	assert.Equal(t, want, restarted.Tokens.CurrentToken())
	assert.Eventually(t, func() bool {
		val, ok := restarted.KV.Lookup("a")
		return ok && val == "1"
	}, 10*time.Second, 10*time.Millisecond)
}
