// Package server assembles a complete cluster member: raft machine, net/rpc
// transport, application of committed entries, lock token arbitration and
// the key/value service.
package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/neo4j/neo4j-sub258/locking"
	"github.com/neo4j/neo4j-sub258/locktoken"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/neo4j/neo4j-sub258/persistent"
	"github.com/neo4j/neo4j-sub258/raft"
	"github.com/neo4j/neo4j-sub258/replication"
	"github.com/neo4j/neo4j-sub258/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server is a running cluster member.
type Server struct {
	logger *zap.Logger
	Myself common.Server

	Machine *raft.Machine
	Manager *rpc.Manager
	Process *replication.ApplicationProcess
	Tokens  *locktoken.StateMachine
	Locks   *locking.LeaderOnlyLockManager
	KV      *kvstore.KeyValFSM
	Service *kvstore.Service
}

// NewRegistry knows every content type a member replicates.
func NewRegistry() (*marshal.Registry, error) {
	registry := marshal.NewCoreRegistry()
	err := multierr.Combine(
		replication.RegisterCodecs(registry),
		locktoken.RegisterCodecs(registry),
	)
	return registry, err
}

func openLog(logger *zap.Logger, cfg *common.Config, myself uuid.UUID, dir string, registry *marshal.Registry) (common.RaftLog, error) {
	if len(cfg.Cassandra.Hosts) > 0 {
		session, err := persistent.NewCassandraSession(persistent.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to cassandra: %w", err)
		}
		if err := persistent.EnsureCassandraSchema(session); err != nil {
			session.Close()
			return nil, err
		}
		return persistent.NewCassandraLog(logger, session, myself, registry)
	}
	return persistent.OpenBoltLog(filepath.Join(dir, fmt.Sprintf("%v_logstore.db", myself)), registry)
}

// Start opens the member's stores under cfg.DataDir and starts serving on
// the address cfg lists for myself.
func Start(logger *zap.Logger, cfg *common.Config, myself uuid.UUID) (*Server, error) {
	cluster := cfg.ClusterConfig()
	me, ok := cluster.Lookup(myself)
	if !ok {
		return nil, fmt.Errorf("server %v is not part of the cluster", myself)
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	statePath := func(name string) string {
		return filepath.Join(dir, fmt.Sprintf("%v_%s.db", myself, name))
	}

	var closers []io.Closer
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
		return nil, err
	}
	log, err := openLog(logger, cfg, myself, dir, registry)
	if err != nil {
		return fail(fmt.Errorf("opening raft log: %w", err))
	}
	closers = append(closers, log)
	terms, err := persistent.OpenBoltStateStorage(statePath(raft.TermStateName), raft.TermStateName, raft.TermState{})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, terms)
	votes, err := persistent.OpenBoltStateStorage(statePath(raft.VoteStateName), raft.VoteStateName, raft.VoteState{})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, votes)
	tokenStorage, err := persistent.OpenBoltStateStorage(statePath("locktoken"), "locktoken", locktoken.InitialState)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, tokenStorage)

	machine, err := raft.NewMachine(raft.MachineConfig{
		Myself:      myself,
		Cluster:     cluster,
		Log:         log,
		TermStorage: terms,
		VoteStorage: votes,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}
	manager := rpc.NewManager(logger, myself, cluster, rpc.NewMessageCodec(registry))
	machine.SetOutbound(manager)
	machine.OnSnapshotNeeded(func(leaderPrevIndex int64) {
		logger.Warn("leader pruned entries this member still needs, a store copy is required",
			zap.Int64("leaderPrevIndex", leaderPrevIndex))
	})

	tokens, err := locktoken.NewStateMachine(logger, tokenStorage)
	if err != nil {
		return nil, multierr.Combine(err, manager.Stop(), machine.Stop(), tokenStorage.Close())
	}
	kv := kvstore.NewKeyValFSM()
	tracker := replication.NewProgressTracker(replication.NewGlobalSession(myself))
	// the kv store lives in memory and is rebuilt from the whole log
	process := replication.NewApplicationProcess(logger, machine, tracker, -1)
	process.Register(tokens)
	process.Register(kv)
	machine.RegisterCommitListener(process.NotifyCommitted)
	process.RegisterAppliedListener(machine.NotifyApplied)
	process.OnFatal(func(err error) {
		// a member whose state machines lag its log must not vote or lead
		if stopErr := machine.Stop(); stopErr != nil {
			logger.Warn("closing raft storage after a state machine failure", zap.Error(stopErr))
		}
	})

	replicator := replication.NewRaftReplicator(logger, myself, machine, machine, tracker)
	locks := locking.NewLeaderOnlyLockManager(logger, myself, replicator, machine, locking.NewLocks(), tokens, cluster.LeaderLockTokenTimeout)
	service := kvstore.NewService(logger, locks, replicator, 0)

	s := &Server{
		logger:  logger.With(zap.Stringer("member", myself)),
		Myself:  me,
		Machine: machine,
		Manager: manager,
		Process: process,
		Tokens:  tokens,
		Locks:   locks,
		KV:      kv,
		Service: service,
	}
	if err := manager.Start(me.NetAddress, machine, service); err != nil {
		return nil, multierr.Append(err, s.Stop())
	}
	process.Start()
	machine.Start()
	s.logger.Info("server started", zap.String("address", string(me.NetAddress)))
	return s, nil
}

// Stop shuts the member down and closes its stores.
func (s *Server) Stop() error {
	err := multierr.Combine(
		s.Manager.Stop(),
		s.Locks.Close(),
	)
	s.Process.Stop()
	err = multierr.Combine(err, s.Machine.Stop(), s.Tokens.Close())
	s.logger.Info("server stopped", zap.Error(err))
	return err
}
