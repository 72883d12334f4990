package locking_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/locking"
	"github.com/neo4j/neo4j-sub258/locktoken"
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

type member struct {
	id         uuid.UUID
	machine    *raft.Machine
	tokens     *locktoken.StateMachine
	replicator replication.Replicator
	locks      *locking.LeaderOnlyLockManager
}

func startCluster(t *testing.T, n int) []*member {
	registry := marshal.NewCoreRegistry()
	require.NoError(t, replication.RegisterCodecs(registry))
	require.NoError(t, locktoken.RegisterCodecs(registry))
	network := rpc.NewNetwork().WithCodec(rpc.NewMessageCodec(registry))
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{ID: uuid.New(), NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 13345+i))})
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

		tokens, err := locktoken.NewStateMachine(logger, persistent.NewInMemoryStateStorage(locktoken.InitialState))
		require.NoError(t, err)
		tracker := replication.NewProgressTracker(replication.NewGlobalSession(server.ID))
		process := replication.NewApplicationProcess(logger, machine, tracker, -1)
		process.Register(tokens)
		machine.RegisterCommitListener(process.NotifyCommitted)
		process.RegisterAppliedListener(machine.NotifyApplied)
		process.Start()
		machine.Start()

		replicator := replication.NewRaftReplicator(logger, server.ID, machine, machine, tracker)
		locks := locking.NewLeaderOnlyLockManager(logger, server.ID, replicator, machine, locking.NewLocks(), tokens, 10*time.Second)
		t.Cleanup(func() {
			_ = locks.Close()
			process.Stop()
			assert.NoError(t, machine.Stop())
		})
		members = append(members, &member{id: server.ID, machine: machine, tokens: tokens, replicator: replicator, locks: locks})
	}
	return members
}

func TestLeaderOnlyLockManager_TokenIsReplicated(t *testing.T) {
	members := startCluster(t, 3)
	leader, follower := members[0], members[1]
	leader.machine.TriggerElection()
	require.Eventually(t, func() bool {
		id, ok := follower.machine.Leader()
		return ok && id == leader.id
	}, 10*time.Second, 10*time.Millisecond)

	client := leader.locks.NewClient()
	defer client.Close()
	require.NoError(t, client.AcquireExclusive(context.Background(), "key", "x"))
	assert.Equal(t, 0, client.LockSessionID())

	want := locktoken.Request{Owner: leader.id, CandidateID: 0}
	for _, m := range members {
		m := m
		assert.Eventually(t, func() bool { return m.tokens.CurrentToken() == want }, 10*time.Second, 10*time.Millisecond)
	}

	followerClient := follower.locks.NewClient()
	defer followerClient.Close()
	err := followerClient.AcquireExclusive(context.Background(), "key", "x")
	assert.ErrorIs(t, err, locking.ErrAcquireLockTimeout)

	// the same candidate id proposed by a follower commits but is rejected
	future, err := follower.replicator.Replicate(context.Background(), locktoken.Request{Owner: follower.id, CandidateID: 0})
	require.NoError(t, err)
	result, err := future.AwaitTimeout(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, result)
	assert.Equal(t, want, follower.tokens.CurrentToken())
}
