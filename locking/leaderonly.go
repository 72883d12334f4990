package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/locktoken"
	"github.com/neo4j/neo4j-sub258/replication"
	"go.uber.org/zap"
)

// DefaultLockTokenTimeout bounds the wait for a lock token request to be
// replicated and applied.
const DefaultLockTokenTimeout = 10 * time.Second

// TokenHolder exposes the committed lock token.
type TokenHolder interface {
	CurrentToken() locktoken.Request
}

// LeaderOnlyLockManager grants locks only on the member holding the lock
// token. A client takes the token on its first exclusive lock and keeps
// using that token's id as its session; once the committed token moves on,
// every further exclusive lock attempt of the client fails.
type LeaderOnlyLockManager struct {
	logger     *zap.Logger
	myself     uuid.UUID
	replicator replication.Replicator
	locator    common.LeaderLocator
	local      *Locks
	tokens     TokenHolder
	timeout    time.Duration

	// serializes token requests from this member
	acquireMu sync.Mutex
}

var _ Manager = &LeaderOnlyLockManager{}

func NewLeaderOnlyLockManager(
	logger *zap.Logger,
	myself uuid.UUID,
	replicator replication.Replicator,
	locator common.LeaderLocator,
	local *Locks,
	tokens TokenHolder,
	timeout time.Duration,
) *LeaderOnlyLockManager {
	if timeout <= 0 {
		timeout = DefaultLockTokenTimeout
	}
	return &LeaderOnlyLockManager{
		logger:     logger.With(zap.Stringer("member", myself)),
		myself:     myself,
		replicator: replicator,
		locator:    locator,
		local:      local,
		tokens:     tokens,
		timeout:    timeout,
	}
}

func (m *LeaderOnlyLockManager) NewClient() Client {
	return &LeaderOnlyClient{
		manager:   m,
		local:     m.local.newClient(),
		sessionID: locktoken.InvalidLockSessionID,
	}
}

func (m *LeaderOnlyLockManager) Close() error {
	return m.local.Close()
}

// acquireTokenOrFail returns the candidate id of a token held by this
// member, replicating a request for the next id when it holds none.
func (m *LeaderOnlyLockManager) acquireTokenOrFail(ctx context.Context) (int, error) {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	current := m.tokens.CurrentToken()
	if current.Owner == m.myself {
		return current.CandidateID, nil
	}
	if leader, ok := m.locator.Leader(); !ok || leader != m.myself {
		return locktoken.InvalidLockSessionID, &AcquireLockTimeoutError{
			Msg: "should only attempt to take token when leader",
		}
	}

	req := locktoken.Request{Owner: m.myself, CandidateID: locktoken.NextCandidateID(current.CandidateID)}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	future, err := m.replicator.Replicate(ctx, req)
	if err != nil {
		return locktoken.InvalidLockSessionID, &AcquireLockTimeoutError{
			Msg:   "replicating lock token request",
			Cause: err,
		}
	}
	result, err := future.Await(ctx)
	if err != nil {
		msg := "waiting for lock token request"
		if errors.Is(err, replication.ErrReplicationTimeout) {
			msg = "timed out waiting for lock token request"
		}
		return locktoken.InvalidLockSessionID, &AcquireLockTimeoutError{Msg: msg, Cause: err}
	}

	// the state machine reports whether this very request took the token;
	// the current token may already have moved on
	if accepted, _ := result.(bool); !accepted {
		return locktoken.InvalidLockSessionID, &AcquireLockTimeoutError{
			Msg: fmt.Sprintf("failed to acquire lock token, candidate id %d was taken by %v", req.CandidateID, m.tokens.CurrentToken().Owner),
		}
	}
	m.logger.Info("acquired lock token", zap.Int("candidateId", req.CandidateID))
	return req.CandidateID, nil
}

// LeaderOnlyClient is the Client of LeaderOnlyLockManager.
type LeaderOnlyClient struct {
	manager *LeaderOnlyLockManager
	local   *LocalClient

	mu        sync.Mutex
	sessionID int
}

var _ Client = &LeaderOnlyClient{}

func (c *LeaderOnlyClient) ensureHoldingToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == locktoken.InvalidLockSessionID {
		id, err := c.manager.acquireTokenOrFail(ctx)
		if err != nil {
			return err
		}
		c.sessionID = id
		return nil
	}
	if current := c.manager.tokens.CurrentToken(); current.CandidateID != c.sessionID {
		return &AcquireLockTimeoutError{
			Msg: fmt.Sprintf("local instance lost lock token, session %d, current token %d", c.sessionID, current.CandidateID),
		}
	}
	return nil
}

// AcquireShared needs no token; readers do not require leadership.
func (c *LeaderOnlyClient) AcquireShared(ctx context.Context, kind ResourceType, ids ...string) error {
	return c.local.AcquireShared(ctx, kind, ids...)
}

func (c *LeaderOnlyClient) AcquireExclusive(ctx context.Context, kind ResourceType, ids ...string) error {
	if err := c.ensureHoldingToken(ctx); err != nil {
		return err
	}
	return c.local.AcquireExclusive(ctx, kind, ids...)
}

func (c *LeaderOnlyClient) TrySharedLock(kind ResourceType, id string) (bool, error) {
	return c.local.TrySharedLock(kind, id)
}

func (c *LeaderOnlyClient) TryExclusiveLock(kind ResourceType, id string) (bool, error) {
	if err := c.ensureHoldingToken(context.Background()); err != nil {
		return false, err
	}
	return c.local.TryExclusiveLock(kind, id)
}

func (c *LeaderOnlyClient) ReleaseShared(kind ResourceType, ids ...string) {
	c.local.ReleaseShared(kind, ids...)
}

func (c *LeaderOnlyClient) ReleaseExclusive(kind ResourceType, ids ...string) {
	c.local.ReleaseExclusive(kind, ids...)
}

// LockSessionID is the candidate id of the token this client acquired, or
// locktoken.InvalidLockSessionID before its first lock.
func (c *LeaderOnlyClient) LockSessionID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *LeaderOnlyClient) Close() error {
	return c.local.Close()
}
