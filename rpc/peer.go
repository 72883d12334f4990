package rpc

import (
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
)

// DeliverArgs carries one encoded raft message.
type DeliverArgs struct {
	Data []byte
}

type DeliverReply struct{}

// Peer is the client side of a remote member, using the golang's net/rpc
// package.
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress

	mu     sync.Mutex
	client *rpc.Client
}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until an actual RPC
// call takes place.
func NewPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	return &Peer{
		id:      id,
		address: address,
	}
}

// call takes care of automatically re-trying on transient failures
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		var client *rpc.Client
		if client, err = peer.connect(); err != nil {
			// retry with a short delay
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err = client.Call(method, args, result); err == io.EOF || err == rpc.ErrShutdown {
			// likely that connection timed out, retry immediately
			peer.reset(client)
			continue
		}
		break
	}
	return
}

func (peer *Peer) connect() (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client != nil {
		return peer.client, nil
	}
	client, err := rpc.Dial("tcp", string(peer.address))
	if err != nil {
		return nil, err
	}
	peer.client = client
	return client, nil
}

func (peer *Peer) reset(client *rpc.Client) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == client {
		peer.client.Close()
		peer.client = nil
	}
}

func (peer *Peer) GetID() uuid.UUID {
	return peer.id
}

func (peer *Peer) Deliver(args *DeliverArgs) error {
	return peer.call("Transport.Deliver", args, &DeliverReply{})
}

func (peer *Peer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	return peer.call("Client.ClientRequest", args, result)
}

func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	err := peer.client.Close()
	peer.client = nil
	return err
}
