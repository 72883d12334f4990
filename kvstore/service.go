package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/locking"
	"github.com/neo4j/neo4j-sub258/replication"
	"go.uber.org/zap"
)

// KeyResource is the lock resource type of kv keys.
const KeyResource locking.ResourceType = "key"

const DefaultRequestTimeout = 10 * time.Second

// Service serves client requests on a raft member. Both reads and writes
// go through the log; writes additionally hold an exclusive lock on the
// key, which only the member holding the lock token can grant.
type Service struct {
	logger     *zap.Logger
	locks      locking.Manager
	replicator replication.Replicator
	timeout    time.Duration
}

var _ common.ClientHandler = &Service{}

func NewService(logger *zap.Logger, locks locking.Manager, replicator replication.Replicator, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Service{logger: logger, locks: locks, replicator: replicator, timeout: timeout}
}

func (s *Service) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	var request Request
	if err := json.Unmarshal(args.Data, &request); err != nil {
		result.Error = err.Error()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.execute(ctx, request, args.Data)
	if err != nil {
		s.logger.Debug("client request failed",
			zap.Stringer("type", request.Type),
			zap.String("key", request.Key),
			zap.Stringer("transaction", request.TransactionId),
			zap.Error(err))
		result.Error = err.Error()
		result.Retryable = retryable(err)
		return nil
	}
	result.Success = true
	result.Data = data
	return nil
}

func (s *Service) execute(ctx context.Context, request Request, raw []byte) ([]byte, error) {
	client := s.locks.NewClient()
	defer client.Close()

	switch request.Type {
	case Set:
		if err := client.AcquireExclusive(ctx, KeyResource, request.Key); err != nil {
			return nil, err
		}
	case Get:
		if err := client.AcquireShared(ctx, KeyResource, request.Key); err != nil {
			return nil, err
		}
	}

	future, err := s.replicator.Replicate(ctx, content.Transaction{Data: raw})
	if err != nil {
		return nil, err
	}
	val, err := future.Await(ctx)
	if err != nil {
		return nil, err
	}
	if bytes, ok := val.([]byte); ok {
		return bytes, nil
	}
	return nil, nil
}

func retryable(err error) bool {
	return errors.Is(err, locking.ErrAcquireLockTimeout) ||
		errors.Is(err, replication.ErrNoLeaderFound) ||
		errors.Is(err, replication.ErrReplicationTimeout)
}
