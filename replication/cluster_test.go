package replication_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/neo4j/neo4j-sub258/persistent"
	"github.com/neo4j/neo4j-sub258/raft"
	"github.com/neo4j/neo4j-sub258/replication"
	"github.com/neo4j/neo4j-sub258/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type integerSum struct {
	mu  sync.Mutex
	sum int64
}

func (s *integerSum) Apply(_ int64, c common.ReplicatedContent) (interface{}, error) {
	v, ok := c.(content.ReplicatedInteger)
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += int64(v)
	return s.sum, nil
}

func (s *integerSum) get() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

type member struct {
	machine    *raft.Machine
	replicator *replication.RaftReplicator
	sum        *integerSum
}

func startMembers(t *testing.T, n int) []*member {
	registry := marshal.NewCoreRegistry()
	require.NoError(t, replication.RegisterCodecs(registry))
	network := rpc.NewNetwork().WithCodec(rpc.NewMessageCodec(registry))
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{ID: uuid.New(), NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 12345+i))})
	}
	config := common.ClusterConfig{Cluster: servers, HeartBeatTimeout: 20 * time.Millisecond, ElectionTimeout: 10 * time.Second}

	var members []*member
	for _, server := range servers {
		machine, err := raft.NewMachine(raft.MachineConfig{
			Myself:      server.ID,
			Cluster:     config,
			Log:         persistent.NewInMemoryLog(),
			TermStorage: persistent.NewInMemoryStateStorage(raft.TermState{}),
			VoteStorage: persistent.NewInMemoryStateStorage(raft.VoteState{}),
			Logger:      logger,
		})
		require.NoError(t, err)
		machine.SetOutbound(network.Register(server.ID, machine))

		tracker := replication.NewProgressTracker(replication.NewGlobalSession(server.ID))
		process := replication.NewApplicationProcess(logger, machine, tracker, -1)
		sum := &integerSum{}
		process.Register(sum)
		machine.RegisterCommitListener(process.NotifyCommitted)
		process.RegisterAppliedListener(machine.NotifyApplied)
		process.Start()
		machine.Start()
		t.Cleanup(func() {
			process.Stop()
			assert.NoError(t, machine.Stop())
		})

		members = append(members, &member{
			machine:    machine,
			replicator: replication.NewRaftReplicator(logger, server.ID, machine, machine, tracker),
			sum:        sum,
		})
	}
	return members
}

func TestRaftReplicator_ReplicatesThroughTheLeader(t *testing.T) {
	members := startMembers(t, 3)
	follower := members[2]

	_, err := follower.replicator.Replicate(context.Background(), content.IntegerOf(1))
	assert.ErrorIs(t, err, replication.ErrNoLeaderFound)

	members[0].machine.TriggerElection()
	require.Eventually(t, func() bool {
		leader, ok := follower.machine.Leader()
		return ok && leader == members[0].machine.Myself()
	}, 10*time.Second, 10*time.Millisecond)

	future, err := follower.replicator.Replicate(context.Background(), content.IntegerOf(7))
	require.NoError(t, err)
	result, err := future.AwaitTimeout(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result)

	future, err = members[0].replicator.Replicate(context.Background(), content.IntegerOf(5))
	require.NoError(t, err)
	result, err = future.AwaitTimeout(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(12), result)

	for _, m := range members {
		m := m
		assert.Eventually(t, func() bool { return m.sum.get() == 12 }, 10*time.Second, 10*time.Millisecond)
	}
}
