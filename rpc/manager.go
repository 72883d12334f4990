package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/raft"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrDisconnected is returned while a Manager is artificially partitioned.
var ErrDisconnected = errors.New("disconnected")

// ErrUnknownMember is returned by Send for a member without a known address.
var ErrUnknownMember = errors.New("unknown member")

// Inbound receives decoded messages. raft.Machine satisfies it.
type Inbound interface {
	Handle(msg raft.Message)
}

const peerQueueSize = 256

// Manager is the raft transport built on golang's net/rpc package. Each
// remote member gets its own sender goroutine and a bounded queue, created
// on the first message to it; when the queue is full messages are dropped,
// which the protocol tolerates. Members are reached through an address book
// seeded from the cluster config and extended with AddMember, so a member
// set may grow beyond the initial cluster.
type Manager struct {
	logger *zap.Logger
	myself uuid.UUID
	codec  *MessageCodec

	mu        sync.Mutex
	addresses map[uuid.UUID]common.ServerAddress
	peers     map[uuid.UUID]*peerSender
	listener net.Listener
	inbound  Inbound

	disconnected atomic.Bool
	stopped      atomic.Bool
	wg           sync.WaitGroup
}

var _ raft.Outbound = &Manager{}

type peerSender struct {
	peer  *Peer
	queue chan []byte
	done  chan struct{}
}

func NewManager(logger *zap.Logger, myself uuid.UUID, cluster common.ClusterConfig, codec *MessageCodec) *Manager {
	m := &Manager{
		logger:    logger.With(zap.Stringer("member", myself)),
		myself:    myself,
		codec:     codec,
		addresses: make(map[uuid.UUID]common.ServerAddress),
		peers:     make(map[uuid.UUID]*peerSender),
	}
	for _, server := range cluster.Cluster {
		if server.ID != myself {
			m.addresses[server.ID] = server.NetAddress
		}
	}
	return m
}

// AddMember records where a member can be reached. A member that moved gets
// a fresh connection on its next message.
func (m *Manager) AddMember(server common.Server) {
	if server.ID == m.myself {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addresses[server.ID] == server.NetAddress {
		return
	}
	m.addresses[server.ID] = server.NetAddress
	if sender, ok := m.peers[server.ID]; ok {
		delete(m.peers, server.ID)
		close(sender.done)
		if err := sender.peer.Close(); err != nil {
			m.logger.Debug("closing peer", zap.Stringer("peer", server.ID), zap.Error(err))
		}
	}
}

// sender returns the sender of member to, starting it on first use.
func (m *Manager) sender(to uuid.UUID) (*peerSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return nil, raft.ErrStopped
	}
	if sender, ok := m.peers[to]; ok {
		return sender, nil
	}
	address, ok := m.addresses[to]
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrUnknownMember, to)
	}
	sender := &peerSender{
		peer:  NewPeer(address, to),
		queue: make(chan []byte, peerQueueSize),
		done:  make(chan struct{}),
	}
	m.peers[to] = sender
	m.wg.Add(1)
	go m.sendLoop(sender)
	return sender, nil
}

type transportService struct {
	manager *Manager
}

func (s *transportService) Deliver(args *DeliverArgs, reply *DeliverReply) error {
	m := s.manager
	if m.disconnected.Load() {
		return fmt.Errorf("%v: %w", m.myself, ErrDisconnected)
	}
	msg, err := m.codec.Decode(args.Data)
	if err != nil {
		m.logger.Warn("dropping undecodable message", zap.Error(err))
		return err
	}
	m.mu.Lock()
	inbound := m.inbound
	m.mu.Unlock()
	if inbound != nil {
		inbound.Handle(msg)
	}
	return nil
}

type clientService struct {
	manager *Manager
	handler common.ClientHandler
}

func (s *clientService) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if s.manager.disconnected.Load() {
		return fmt.Errorf("%v: %w", s.manager.myself, ErrDisconnected)
	}
	return s.handler.ClientRequest(args, result)
}

// Start listens on address and serves raft messages to inbound and, when
// client is not nil, client requests to client. It returns once the
// listener is up.
func (m *Manager) Start(address common.ServerAddress, inbound Inbound, client common.ClientHandler) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("Transport", &transportService{manager: m}); err != nil {
		return err
	}
	if client != nil {
		if err := rpcServ.RegisterName("Client", &clientService{manager: m, handler: client}); err != nil {
			return err
		}
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.inbound = inbound
	m.listener = listener
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Accept returns once the listener is closed by Stop
		rpcServ.Accept(listener)
	}()
	m.logger.Info("rpc server listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Send queues msg for delivery to member to.
func (m *Manager) Send(to uuid.UUID, msg raft.Message) error {
	if m.stopped.Load() {
		return raft.ErrStopped
	}
	if m.disconnected.Load() {
		return ErrDisconnected
	}
	sender, err := m.sender(to)
	if err != nil {
		return err
	}
	data, err := m.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %v: %w", msg.Type(), err)
	}
	select {
	case sender.queue <- data:
		return nil
	default:
		return fmt.Errorf("queue to %v is full", to)
	}
}

func (m *Manager) sendLoop(sender *peerSender) {
	defer m.wg.Done()
	for {
		select {
		case <-sender.done:
			return
		case data := <-sender.queue:
			if m.disconnected.Load() {
				continue
			}
			if err := sender.peer.Deliver(&DeliverArgs{Data: data}); err != nil {
				m.logger.Debug("delivery failed", zap.Stringer("to", sender.peer.GetID()), zap.Error(err))
			}
		}
	}
}

// ConnectToPeer returns a lazily connected client for a member.
func (m *Manager) ConnectToPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	return NewPeer(address, id)
}

// Disconnect creates an artificial network partition to disconnect this server from its peer (bi-directional).
// The partition is artificial in the sense that although the underlying network communications succeed,
// the implementations themselves are aware of disconnect and respond with a error in such cases.
// Reconnect can be used to heal the disconnected server.
func (m *Manager) Disconnect() {
	m.disconnected.Store(true)
}

func (m *Manager) Reconnect() {
	m.disconnected.Store(false)
}

func (m *Manager) Stop() error {
	if m.stopped.Swap(true) {
		return nil
	}
	var err error
	m.mu.Lock()
	if m.listener != nil {
		err = multierr.Append(err, m.listener.Close())
	}
	for _, sender := range m.peers {
		close(sender.done)
		err = multierr.Append(err, sender.peer.Close())
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}
