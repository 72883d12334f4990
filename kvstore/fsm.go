package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
)

type appliedRequest struct {
	val []byte
	err error
}

// KeyValFSM is the implementation of the common.FSM interface
// for the key-value store. We store the key value pairs
// in-memory because they can be reliably reconstructed
// on server restarts by simply replaying the log.
// Requests are deduplicated by transaction id, so a retried request
// returns the result of its first application.
type KeyValFSM struct {
	mu      sync.RWMutex
	store   map[string]string
	applied map[uuid.UUID]appliedRequest
}

var _ common.FSM = &KeyValFSM{}

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store:   make(map[string]string),
		applied: make(map[uuid.UUID]appliedRequest),
	}
}

// Apply returns the value as []byte for a Get and nil for a Set.
func (fsm *KeyValFSM) Apply(_ int64, c common.ReplicatedContent) (interface{}, error) {
	tx, ok := c.(content.Transaction)
	if !ok {
		return nil, nil
	}
	var request Request
	if err := json.Unmarshal(tx.Data, &request); err != nil {
		return nil, fmt.Errorf("decoding kv request: %w", err)
	}

	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	if request.TransactionId != uuid.Nil {
		if prev, ok := fsm.applied[request.TransactionId]; ok {
			return prev.result()
		}
	}

	var applied appliedRequest
	switch request.Type {
	case Set:
		fsm.store[request.Key] = request.Val
	case Get:
		if val, ok := fsm.store[request.Key]; ok {
			applied.val = []byte(val)
		} else {
			applied.err = ErrKeyNotFound
		}
	default:
		applied.err = fmt.Errorf("unknown request type %d", request.Type)
	}
	if request.TransactionId != uuid.Nil {
		fsm.applied[request.TransactionId] = applied
	}
	return applied.result()
}

func (r appliedRequest) result() (interface{}, error) {
	if r.val == nil {
		return nil, r.err
	}
	return r.val, r.err
}

// Lookup reads the local copy without going through the log.
func (fsm *KeyValFSM) Lookup(key string) (string, bool) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	val, ok := fsm.store[key]
	return val, ok
}
