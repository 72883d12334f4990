package kvstore

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/rpc"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// KVStore implements a simple key-value store over the Raft implementation.
// This acts as a simple abstraction over the servers' client RPC interface
// intended to be used as a library by the clients.
// This is a thread-safe library.
type KVStore struct {
	RaftServers        []common.ClientHandler
	LastKnownResponder *atomic.Int32
}

// NewKeyValStore connects lazily to every server of the cluster.
func NewKeyValStore(servers []common.Server) *KVStore {
	handlers := make([]common.ClientHandler, 0, len(servers))
	for _, server := range servers {
		handlers = append(handlers, rpc.NewPeer(server.NetAddress, server.ID))
	}
	return NewKeyValStoreWith(handlers...)
}

// NewKeyValStoreWith talks to the given handlers, in order of preference.
func NewKeyValStoreWith(handlers ...common.ClientHandler) *KVStore {
	return &KVStore{
		RaftServers:        handlers,
		LastKnownResponder: atomic.NewInt32(0),
	}
}

// request tries the servers starting with the last one that answered,
// moving on while they fail with errors another server may not have.
func (kv *KVStore) request(request Request) (data []byte, err error) {
	var bytes []byte
	bytes, err = json.Marshal(request)
	if err != nil {
		return
	}
	lastKnownResponder := int(kv.LastKnownResponder.Load())
	for i := 0; i < len(kv.RaftServers); i++ {
		index := (i + lastKnownResponder) % len(kv.RaftServers)
		var result common.ClientRequestRPCResult
		reqErr := kv.RaftServers[index].ClientRequest(&common.ClientRequestRPC{
			Data: bytes,
		}, &result)
		if reqErr != nil {
			err = multierr.Append(err, reqErr)
			continue
		}
		if !result.Success {
			err = multierr.Append(err, errors.New(result.Error))
			if result.Retryable {
				continue
			}
			return nil, err
		}
		kv.LastKnownResponder.Store(int32(index))
		return result.Data, nil
	}
	if err == nil {
		err = errors.New("no servers configured")
	}
	return nil, err
}

// SetWithUUID method creates a PUT request with given id, if the store has
// already seen a request (even if GET) with the same id it will not apply
// this operation again.
func (kv *KVStore) SetWithUUID(key, val string, id uuid.UUID) error {
	_, err := kv.request(Request{
		Type:          Set,
		Key:           key,
		Val:           val,
		TransactionId: id,
	})
	return err
}

// Set method can be used to add or update key-value pair in the store.
// It returns a UUID which may be used to retry the operation with
// idempotence guarantees using the SetWithUUID method.
func (kv *KVStore) Set(key, val string) (uuid.UUID, error) {
	id := uuid.New()
	return id, kv.SetWithUUID(key, val, id)
}

func (kv *KVStore) GetWithUUID(key string, id uuid.UUID) (string, error) {
	data, err := kv.request(Request{
		Type:          Get,
		Key:           key,
		TransactionId: id,
	})
	return string(data), err
}

// Get method can be used to get the value corresponding to the given key in the store.
// It also returns a UUID that may be used to retry this operation with
// idempotence guarantees. In particular for get operation this means the call with
// return an older value that was at the time of the first call.
func (kv *KVStore) Get(key string) (uuid.UUID, string, error) {
	id := uuid.New()
	val, err := kv.GetWithUUID(key, id)
	return id, val, err
}

// Close releases the connections to the servers.
func (kv *KVStore) Close() error {
	var err error
	for _, server := range kv.RaftServers {
		if closer, ok := server.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}
