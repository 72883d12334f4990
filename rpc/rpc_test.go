package rpc_test

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/neo4j/neo4j-sub258/raft"
	"github.com/neo4j/neo4j-sub258/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder is a mock inbound side that remembers every message.
type recorder struct {
	mu       sync.Mutex
	messages []raft.Message
}

func (r *recorder) Handle(msg raft.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) received() []raft.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]raft.Message(nil), r.messages...)
}

// TestClient is a mock client handler.
type TestClient struct{}

func (TestClient) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	result.Success = true
	result.Data = args.Data
	return nil
}

func freeAddress(t *testing.T) common.ServerAddress {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return common.ServerAddress(listener.Addr().String())
}

func TestMessageCodec_RoundTrip(t *testing.T) {
	codec := rpc.NewMessageCodec(marshal.NewCoreRegistry())
	sender := uuid.New()
	messages := []raft.Message{
		&raft.VoteRequest{Sender: sender, Term: 3, Candidate: sender, LastLogIndex: 7, LastLogTerm: 2},
		&raft.PreVoteRequest{Sender: sender, Term: 4, Candidate: sender, LastLogIndex: -1, LastLogTerm: -1},
		&raft.VoteResponse{Sender: sender, Term: 3, VoteGranted: true},
		&raft.PreVoteResponse{Sender: sender, Term: 3},
		&raft.AppendEntriesRequest{Sender: sender, Term: 5, PrevLogIndex: 9, PrevLogTerm: 4, LeaderCommit: 8, Entries: []common.LogEntry{
			{Term: 5, Content: content.IntegerOf(10)},
			{Term: 5, Content: content.NewLeaderBarrier{}},
		}},
		&raft.AppendEntriesResponse{Sender: sender, Term: 5, Success: true, MatchIndex: 11, AppendIndex: 11},
		&raft.Heartbeat{Sender: sender, LeaderTerm: 5, CommitIndex: 10, CommitIndexTerm: 5},
		&raft.HeartbeatResponse{Sender: sender},
		&raft.LogCompactionInfo{Sender: sender, LeaderTerm: 5, PrevIndex: 100},
		&raft.NewEntryRequest{Sender: sender, Content: content.ReplicatedString("x")},
		&raft.NewBatchRequest{Sender: sender, Contents: []common.ReplicatedContent{content.IntegerOf(1), content.Dummy{}}},
		&raft.PruneRequest{Sender: sender, PruneIndex: 12},
	}
	for _, msg := range messages {
		data, err := codec.Encode(msg)
		require.NoError(t, err)
		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded, "%v", msg.Type())
	}

	_, err := codec.Encode(&raft.ElectionTimeout{Sender: sender})
	assert.Error(t, err)
}

func TestManager_DeliversMessages(t *testing.T) {
	codec := rpc.NewMessageCodec(marshal.NewCoreRegistry())
	a, b := uuid.New(), uuid.New()
	cluster := common.ClusterConfig{Cluster: []common.Server{
		{ID: a, NetAddress: freeAddress(t)},
		{ID: b, NetAddress: freeAddress(t)},
	}}

	managerA := rpc.NewManager(zap.NewNop(), a, cluster, codec)
	managerB := rpc.NewManager(zap.NewNop(), b, cluster, codec)
	defer managerA.Stop()
	defer managerB.Stop()
	inboxB := &recorder{}
	require.NoError(t, managerA.Start(cluster.Cluster[0].NetAddress, &recorder{}, nil))
	require.NoError(t, managerB.Start(cluster.Cluster[1].NetAddress, inboxB, nil))

	require.NoError(t, managerA.Send(b, &raft.Heartbeat{Sender: a, LeaderTerm: 1, CommitIndex: -1, CommitIndexTerm: -1}))
	assert.Eventually(t, func() bool { return len(inboxB.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	managerB.Disconnect()
	require.NoError(t, managerA.Send(b, &raft.HeartbeatResponse{Sender: a}))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, inboxB.received(), 1)
	assert.ErrorIs(t, managerB.Send(a, &raft.HeartbeatResponse{Sender: b}), rpc.ErrDisconnected)

	managerB.Reconnect()
	require.NoError(t, managerA.Send(b, &raft.HeartbeatResponse{Sender: a}))
	assert.Eventually(t, func() bool { return len(inboxB.received()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ReachesMembersAddedLater(t *testing.T) {
	codec := rpc.NewMessageCodec(marshal.NewCoreRegistry())
	a, b := uuid.New(), uuid.New()
	serverA := common.Server{ID: a, NetAddress: freeAddress(t)}
	serverB := common.Server{ID: b, NetAddress: freeAddress(t)}

	// a starts out alone, b joins the member set afterwards
	managerA := rpc.NewManager(zap.NewNop(), a, common.ClusterConfig{Cluster: []common.Server{serverA}}, codec)
	managerB := rpc.NewManager(zap.NewNop(), b, common.ClusterConfig{Cluster: []common.Server{serverA, serverB}}, codec)
	defer managerB.Stop()
	inboxB := &recorder{}
	require.NoError(t, managerA.Start(serverA.NetAddress, &recorder{}, nil))
	require.NoError(t, managerB.Start(serverB.NetAddress, inboxB, nil))

	heartbeat := &raft.Heartbeat{Sender: a, LeaderTerm: 1, CommitIndex: -1, CommitIndexTerm: -1}
	assert.ErrorIs(t, managerA.Send(b, heartbeat), rpc.ErrUnknownMember)

	managerA.AddMember(serverB)
	require.NoError(t, managerA.Send(b, heartbeat))
	assert.Eventually(t, func() bool { return len(inboxB.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, managerA.Stop())
	assert.ErrorIs(t, managerA.Send(b, heartbeat), raft.ErrStopped)
}

func TestManager_ClientRequests(t *testing.T) {
	// 100 concurrent clients talk to one server through lazy peers
	codec := rpc.NewMessageCodec(marshal.NewCoreRegistry())
	id := uuid.New()
	address := freeAddress(t)
	cluster := common.ClusterConfig{Cluster: []common.Server{{ID: id, NetAddress: address}}}
	manager := rpc.NewManager(zap.NewNop(), id, cluster, codec)
	defer manager.Stop()
	require.NoError(t, manager.Start(address, &recorder{}, TestClient{}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer := manager.ConnectToPeer(address, id)
			defer peer.Close()
			var result common.ClientRequestRPCResult
			err := peer.ClientRequest(&common.ClientRequestRPC{Data: []byte(fmt.Sprint(i))}, &result)
			assert.NoError(t, err)
			assert.True(t, result.Success)
			assert.Equal(t, fmt.Sprint(i), string(result.Data))
		}()
	}
	wg.Wait()
}

func TestNetwork_Partition(t *testing.T) {
	network := rpc.NewNetwork().WithCodec(rpc.NewMessageCodec(marshal.NewCoreRegistry()))
	a, b := uuid.New(), uuid.New()
	inboxA, inboxB := &recorder{}, &recorder{}
	outA := network.Register(a, inboxA)
	outB := network.Register(b, inboxB)

	require.NoError(t, outA.Send(b, &raft.HeartbeatResponse{Sender: a}))
	assert.Len(t, inboxB.received(), 1)

	network.Disconnect(b)
	assert.ErrorIs(t, outA.Send(b, &raft.HeartbeatResponse{Sender: a}), rpc.ErrDisconnected)
	assert.ErrorIs(t, outB.Send(a, &raft.HeartbeatResponse{Sender: b}), rpc.ErrDisconnected)

	network.Reconnect(b)
	require.NoError(t, outB.Send(a, &raft.HeartbeatResponse{Sender: b}))
	assert.Len(t, inboxA.received(), 1)
}
