package rpc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/raft"
)

// Network is an in-process transport between members, used by tests. A
// disconnected member neither sends nor receives, like the Disconnect of a
// Manager.
type Network struct {
	mu           sync.RWMutex
	members      map[uuid.UUID]Inbound
	disconnected map[uuid.UUID]bool
	codec        *MessageCodec
}

func NewNetwork() *Network {
	return &Network{
		members:      make(map[uuid.UUID]Inbound),
		disconnected: make(map[uuid.UUID]bool),
	}
}

// WithCodec makes every message go through codec, exercising the wire
// format the way a Manager would.
func (n *Network) WithCodec(codec *MessageCodec) *Network {
	n.codec = codec
	return n
}

// Register attaches a member and returns its outbound side.
func (n *Network) Register(id uuid.UUID, inbound Inbound) raft.Outbound {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[id] = inbound
	return &endpoint{network: n, id: id}
}

func (n *Network) Disconnect(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

func (n *Network) Reconnect(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

func (n *Network) deliver(from, to uuid.UUID, msg raft.Message) error {
	n.mu.RLock()
	target, ok := n.members[to]
	blocked := n.disconnected[from] || n.disconnected[to]
	codec := n.codec
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownMember, to)
	}
	if blocked {
		return ErrDisconnected
	}
	if codec != nil {
		data, err := codec.Encode(msg)
		if err != nil {
			return err
		}
		if msg, err = codec.Decode(data); err != nil {
			return err
		}
	}
	target.Handle(msg)
	return nil
}

type endpoint struct {
	network *Network
	id      uuid.UUID
}

func (e *endpoint) Send(to uuid.UUID, msg raft.Message) error {
	return e.network.deliver(e.id, to, msg)
}
