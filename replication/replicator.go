package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/raft"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrNoLeaderFound is returned when no leader is known. Callers may retry.
var ErrNoLeaderFound = errors.New("no leader found")

// Replicator hands content to the raft leader. Submission is attempted once;
// the returned future completes when the content was committed and applied
// locally, which is never guaranteed to happen.
type Replicator interface {
	Replicate(ctx context.Context, c common.ReplicatedContent) (*Future, error)
}

// sender is the part shared by both replicators.
type sender struct {
	logger     *zap.Logger
	myself     uuid.UUID
	outbound   raft.Outbound
	tracker    *ProgressTracker
	operations atomic.Int64
}

func (s *sender) replicateTo(ctx context.Context, target uuid.UUID, c common.ReplicatedContent) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op := DistributedOperation{
		Session:     s.tracker.Session(),
		OperationID: s.operations.Inc(),
		Content:     c,
	}
	future := s.tracker.Start(op)
	if err := s.outbound.Send(target, &raft.NewEntryRequest{Sender: s.myself, Content: op}); err != nil {
		err = fmt.Errorf("sending to %v: %w", target, err)
		s.tracker.Abort(op, err)
		return nil, err
	}
	s.logger.Debug("replicating", zap.Stringer("leader", target), zap.Int64("operation", op.OperationID))
	return future, nil
}

// RaftReplicator resolves the leader on every call.
type RaftReplicator struct {
	sender
	locator common.LeaderLocator
}

var _ Replicator = &RaftReplicator{}

func NewRaftReplicator(logger *zap.Logger, myself uuid.UUID, locator common.LeaderLocator, outbound raft.Outbound, tracker *ProgressTracker) *RaftReplicator {
	return &RaftReplicator{
		sender: sender{
			logger:   logger.With(zap.Stringer("member", myself)),
			myself:   myself,
			outbound: outbound,
			tracker:  tracker,
		},
		locator: locator,
	}
}

func (r *RaftReplicator) Replicate(ctx context.Context, c common.ReplicatedContent) (*Future, error) {
	leader, ok := r.locator.Leader()
	if !ok {
		return nil, ErrNoLeaderFound
	}
	return r.replicateTo(ctx, leader, c)
}

// LeaderOnlyReplicator always submits to one fixed member, for setups where
// the leader is known not to change.
type LeaderOnlyReplicator struct {
	sender
	target uuid.UUID
}

var _ Replicator = &LeaderOnlyReplicator{}

func NewLeaderOnlyReplicator(logger *zap.Logger, myself, target uuid.UUID, outbound raft.Outbound, tracker *ProgressTracker) *LeaderOnlyReplicator {
	return &LeaderOnlyReplicator{
		sender: sender{
			logger:   logger.With(zap.Stringer("member", myself)),
			myself:   myself,
			outbound: outbound,
			tracker:  tracker,
		},
		target: target,
	}
}

func (r *LeaderOnlyReplicator) Replicate(ctx context.Context, c common.ReplicatedContent) (*Future, error) {
	return r.replicateTo(ctx, r.target, c)
}
