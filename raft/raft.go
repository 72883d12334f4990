package raft

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrStopped is returned by a Machine that has been stopped, either
// explicitly or because its storage failed.
var ErrStopped = errors.New("raft machine stopped")

// Outbound delivers messages to other members. Delivery is best effort:
// the protocol tolerates loss, duplication and reordering.
type Outbound interface {
	Send(to uuid.UUID, msg Message) error
}

// MachineConfig wires a Machine to its storage and transport.
type MachineConfig struct {
	Myself      uuid.UUID
	Cluster     common.ClusterConfig
	Log         common.RaftLog
	TermStorage common.StateStorage[TermState]
	VoteStorage common.StateStorage[VoteState]
	Outbound    Outbound
	Logger      *zap.Logger
	// InboxSize bounds the number of queued messages, 1024 when zero.
	InboxSize int
}

// Machine owns a member's State and runs the role logic on one goroutine.
// Everything else talks to it through Handle and reads published snapshots.
type Machine struct {
	logger   *zap.Logger
	myself   uuid.UUID
	state    *State
	outbound Outbound

	electionTimeout  time.Duration
	heartbeatTimeout time.Duration

	inbox                chan Message
	electionTimeoutChan  chan bool
	heartbeatTimeoutChan chan bool
	stopChan             chan struct{}
	stopOnce             sync.Once
	wg                   sync.WaitGroup

	snapshot atomic.Value
	stopped  atomic.Bool
	applied  atomic.Int64

	listenersMu       sync.Mutex
	commitListeners   []func(commitIndex int64)
	snapshotListeners []func(leaderPrevIndex int64)

	closers []io.Closer
}

var _ common.LeaderLocator = &Machine{}
var _ Outbound = &Machine{}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	cluster := cfg.Cluster.WithDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Stringer("member", cfg.Myself))

	state, err := NewState(StateConfig{
		Myself:           cfg.Myself,
		Members:          cluster.Members(),
		Log:              cfg.Log,
		TermStorage:      cfg.TermStorage,
		VoteStorage:      cfg.VoteStorage,
		Cache:            NewInFlightCache(cluster.InFlightCacheMaxEntries),
		PreVoting:        cluster.PreVoting,
		RefuseToBeLeader: cluster.RefuseToBeLeader,
		CatchupBatchSize: cluster.CatchupBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("restoring raft state: %w", err)
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	m := &Machine{
		logger:               logger,
		myself:               cfg.Myself,
		state:                state,
		outbound:             cfg.Outbound,
		electionTimeout:      cluster.ElectionTimeout,
		heartbeatTimeout:     cluster.HeartBeatTimeout,
		inbox:                make(chan Message, inboxSize),
		electionTimeoutChan:  make(chan bool, 10),
		heartbeatTimeoutChan: make(chan bool, 10),
		stopChan:             make(chan struct{}),
		closers:              []io.Closer{cfg.Log, cfg.TermStorage, cfg.VoteStorage},
	}
	m.applied.Store(-1)
	m.publish()
	logger.Info("raft state restored",
		zap.Int64("term", state.Term()),
		zap.Int64("appendIndex", cfg.Log.AppendIndex()))
	return m, nil
}

// SetOutbound wires the transport when it can only be built after the
// machine, e.g. because the transport delivers into Handle.
func (m *Machine) SetOutbound(outbound Outbound) {
	m.outbound = outbound
}

// Start launches the processing loop and the timers.
func (m *Machine) Start() {
	m.wg.Add(3)
	go m.run()
	go m.electionTimeoutController(m.electionTimeout)
	go m.heartBeatTimeoutController(m.heartbeatTimeout)
	m.electionTimeoutChan <- true
	m.heartbeatTimeoutChan <- false
	m.logger.Info("raft machine started")
}

func (m *Machine) Myself() uuid.UUID { return m.myself }

// Handle enqueues msg for the processing loop without blocking. Messages
// arriving while the inbox is full are dropped.
func (m *Machine) Handle(msg Message) {
	if m.stopped.Load() {
		return
	}
	select {
	case m.inbox <- msg:
	default:
		m.logger.Warn("inbox full, dropping message", zap.Stringer("type", msg.Type()), zap.Stringer("from", msg.From()))
	}
}

// Send delivers msg to a member, looping back when it is addressed to us.
func (m *Machine) Send(to uuid.UUID, msg Message) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if to == m.myself {
		m.Handle(msg)
		return nil
	}
	if m.outbound == nil {
		return fmt.Errorf("no transport to reach %v", to)
	}
	return m.outbound.Send(to, msg)
}

func (m *Machine) Snapshot() Snapshot {
	return m.snapshot.Load().(Snapshot)
}

func (m *Machine) Leader() (uuid.UUID, bool) {
	snapshot := m.Snapshot()
	return snapshot.Leader, snapshot.Leader != uuid.Nil
}

func (m *Machine) IsLeader() bool {
	return m.Snapshot().Role == Leader
}

func (m *Machine) CommitIndex() int64 {
	return m.Snapshot().CommitIndex
}

// TriggerElection behaves as if the election timer had fired.
func (m *Machine) TriggerElection() {
	m.Handle(&ElectionTimeout{Sender: m.myself})
}

// Prune asks for the log to be pruned up to index, never past the commit
// index nor past what NotifyApplied last reported.
func (m *Machine) Prune(index int64) {
	m.Handle(&PruneRequest{Sender: m.myself, PruneIndex: index})
}

// NotifyApplied records that entries up to lastApplied reached the state
// machines and drops them from the in-flight cache. It never blocks and can
// be registered as an applied listener.
func (m *Machine) NotifyApplied(lastApplied int64) {
	for {
		current := m.applied.Load()
		if lastApplied <= current || m.applied.CompareAndSwap(current, lastApplied) {
			break
		}
	}
	m.state.cache.Prune(lastApplied)
}

// ReadEntry reads from the in-flight cache, falling back to the log.
func (m *Machine) ReadEntry(index int64) (common.LogEntry, error) {
	if m.stopped.Load() {
		return common.LogEntry{}, ErrStopped
	}
	return m.state.readEntry(index)
}

// RegisterCommitListener registers fn to be called from the processing loop
// each time the commit index advances. fn must not block.
func (m *Machine) RegisterCommitListener(fn func(commitIndex int64)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.commitListeners = append(m.commitListeners, fn)
}

// OnSnapshotNeeded registers fn to be called when the leader no longer has
// the entries this member is missing.
func (m *Machine) OnSnapshotNeeded(fn func(leaderPrevIndex int64)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.snapshotListeners = append(m.snapshotListeners, fn)
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case msg := <-m.inbox:
			if err := m.process(msg); err != nil {
				m.logger.Error("fatal error, member stops participating", zap.Error(err))
				m.stopped.Store(true)
				m.publish()
				return
			}
		}
	}
}

func (m *Machine) process(msg Message) error {
	if prune, ok := msg.(*PruneRequest); ok && prune.PruneIndex > m.applied.Load() {
		// entries the state machines have not read yet stay in the log
		msg = &PruneRequest{Sender: prune.Sender, PruneIndex: m.applied.Load()}
	}
	outcome, err := Handle(m.state, msg, m.logger)
	if err != nil {
		return fmt.Errorf("handling %v: %w", msg.Type(), err)
	}
	prevRole := m.state.Role()
	prevCommit := m.state.CommitIndex()
	if err := m.state.Update(outcome); err != nil {
		return err
	}

	m.updateTimers(prevRole, outcome)
	m.publish()

	if outcome.NeedsFreshSnapshot {
		if info, ok := msg.(*LogCompactionInfo); ok {
			m.listenersMu.Lock()
			listeners := m.snapshotListeners
			m.listenersMu.Unlock()
			for _, fn := range listeners {
				fn(info.PrevIndex)
			}
		}
	}
	if commit := m.state.CommitIndex(); commit > prevCommit {
		m.listenersMu.Lock()
		listeners := m.commitListeners
		m.listenersMu.Unlock()
		for _, fn := range listeners {
			fn(commit)
		}
	}

	// the log is updated before anything referencing it leaves this member
	for _, directed := range outcome.OutgoingMessages {
		if err := m.Send(directed.To, directed.Message); err != nil {
			m.logger.Debug("send failed",
				zap.Stringer("to", directed.To),
				zap.Stringer("type", directed.Message.Type()),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Machine) updateTimers(prevRole Role, outcome *Outcome) {
	if outcome.RenewElectionTimeout {
		signal(m.electionTimeoutChan, true)
	}
	switch {
	case outcome.Role == Leader && prevRole != Leader:
		m.logger.Info("became leader", zap.Int64("term", outcome.Term))
		signal(m.heartbeatTimeoutChan, true)
	case outcome.Role != Leader && prevRole == Leader:
		m.logger.Info("no longer leader", zap.Int64("term", outcome.Term), zap.Stringer("role", outcome.Role))
		signal(m.heartbeatTimeoutChan, false)
	}
}

// signal never blocks the processing loop; a pending value is replaced.
func signal(ch chan bool, value bool) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Machine) publish() {
	m.snapshot.Store(m.state.Snapshot())
}

// Stop stops processing and closes the log and state storage. It is safe to
// call more than once.
func (m *Machine) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stopChan)
		m.wg.Wait()
		for _, closer := range m.closers {
			err = multierr.Append(err, closer.Close())
		}
		m.logger.Info("raft machine stopped")
	})
	return err
}

func timeoutRandomizer(timeout time.Duration) time.Duration {
	return timeout + time.Duration(rand.Float64()*float64(timeout))
}

// electionTimeoutController runs in its own goroutine and is controlled by
// electionTimeoutChan. Passing true resets the timer, passing false disables
// it until true is passed again. Every timeout is delivered to the
// processing loop as an ElectionTimeout message.
func (m *Machine) electionTimeoutController(timeout time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(timeoutRandomizer(timeout))
	ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			ticker.Stop()
			return
		case <-ticker.C:
			m.Handle(&ElectionTimeout{Sender: m.myself})
			ticker.Reset(timeoutRandomizer(timeout))
		case reset := <-m.electionTimeoutChan:
			if reset {
				ticker.Reset(timeoutRandomizer(timeout))
			} else {
				ticker.Stop()
			}
		}
	}
}

// heartBeatTimeoutController mirrors electionTimeoutController for the
// leader's heartbeat ticks, without randomization.
func (m *Machine) heartBeatTimeoutController(timeout time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(timeout)
	ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			ticker.Stop()
			return
		case <-ticker.C:
			// a tick queued before the timer was disabled is harmless, the
			// role logic ignores heartbeat timeouts when not leading
			m.Handle(&HeartbeatTimeout{Sender: m.myself})
		case reset := <-m.heartbeatTimeoutChan:
			if reset {
				ticker.Reset(timeout)
			} else {
				ticker.Stop()
			}
		}
	}
}
