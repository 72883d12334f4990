// Package locking provides reentrant shared and exclusive locks on named
// resources, and a cluster variant that only grants locks on the member
// holding the replicated lock token.
package locking

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ResourceType groups resource ids, e.g. "key" for kvstore keys.
type ResourceType string

type resource struct {
	kind ResourceType
	id   string
}

func (r resource) String() string {
	return fmt.Sprintf("%s(%s)", r.kind, r.id)
}

// Manager hands out lock clients. A client is used by one caller at a time.
type Manager interface {
	NewClient() Client
	Close() error
}

// Client acquires locks on behalf of one caller. Locks are reentrant: every
// acquire must be matched by a release, and Close releases whatever is left.
type Client interface {
	AcquireShared(ctx context.Context, kind ResourceType, ids ...string) error
	AcquireExclusive(ctx context.Context, kind ResourceType, ids ...string) error
	TrySharedLock(kind ResourceType, id string) (bool, error)
	TryExclusiveLock(kind ResourceType, id string) (bool, error)
	ReleaseShared(kind ResourceType, ids ...string)
	ReleaseExclusive(kind ResourceType, ids ...string)
	LockSessionID() int
	Close() error
}

type lockState struct {
	owner     *LocalClient
	exclusive int
	shared    map[*LocalClient]int
}

func (s *lockState) free() bool {
	return s.owner == nil && len(s.shared) == 0
}

// Locks is an in-process lock manager. Waiters block until a release
// happens or their context is done.
type Locks struct {
	mu      sync.Mutex
	locks   map[resource]*lockState
	changed chan struct{}
	clients atomic.Int64
	closed  bool
}

var _ Manager = &Locks{}

func NewLocks() *Locks {
	return &Locks{locks: make(map[resource]*lockState), changed: make(chan struct{})}
}

func (l *Locks) NewClient() Client {
	return l.newClient()
}

func (l *Locks) newClient() *LocalClient {
	return &LocalClient{locks: l, id: int(l.clients.Inc())}
}

// Close makes every pending and future acquire fail.
func (l *Locks) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.notify()
	return nil
}

// notify wakes all waiters. Called with mu held.
func (l *Locks) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Locks) state(r resource) *lockState {
	s, ok := l.locks[r]
	if !ok {
		s = &lockState{shared: make(map[*LocalClient]int)}
		l.locks[r] = s
	}
	return s
}

// tryLock takes r for c if possible. Called with mu held.
func (l *Locks) tryLock(c *LocalClient, r resource, exclusive bool) bool {
	s := l.state(r)
	if exclusive {
		if s.owner != nil && s.owner != c {
			return false
		}
		for holder := range s.shared {
			if holder != c {
				return false
			}
		}
		s.owner = c
		s.exclusive++
		return true
	}
	if s.owner != nil && s.owner != c {
		return false
	}
	s.shared[c]++
	return true
}

func (l *Locks) unlock(c *LocalClient, r resource, exclusive bool) {
	s, ok := l.locks[r]
	if !ok {
		return
	}
	if exclusive {
		if s.owner != c {
			return
		}
		if s.exclusive--; s.exclusive == 0 {
			s.owner = nil
		}
	} else {
		if s.shared[c]--; s.shared[c] <= 0 {
			delete(s.shared, c)
		}
	}
	if s.free() {
		delete(l.locks, r)
	}
	l.notify()
}

func (l *Locks) acquire(ctx context.Context, c *LocalClient, exclusive bool, kind ResourceType, ids []string) error {
	for i, id := range ids {
		if err := l.acquireOne(ctx, c, resource{kind, id}, exclusive); err != nil {
			l.release(c, exclusive, kind, ids[:i])
			return err
		}
	}
	return nil
}

func (l *Locks) acquireOne(ctx context.Context, c *LocalClient, r resource, exclusive bool) error {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrLocksClosed
		}
		if l.tryLock(c, r, exclusive) {
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return &AcquireLockTimeoutError{
				Msg:   fmt.Sprintf("timed out waiting for lock on %v", r),
				Cause: ctx.Err(),
			}
		}
	}
}

func (l *Locks) release(c *LocalClient, exclusive bool, kind ResourceType, ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.unlock(c, resource{kind, id}, exclusive)
	}
}

// LocalClient is the Client of Locks.
type LocalClient struct {
	locks *Locks
	id    int
}

var _ Client = &LocalClient{}

func (c *LocalClient) AcquireShared(ctx context.Context, kind ResourceType, ids ...string) error {
	return c.locks.acquire(ctx, c, false, kind, ids)
}

func (c *LocalClient) AcquireExclusive(ctx context.Context, kind ResourceType, ids ...string) error {
	return c.locks.acquire(ctx, c, true, kind, ids)
}

func (c *LocalClient) TrySharedLock(kind ResourceType, id string) (bool, error) {
	return c.try(kind, id, false)
}

func (c *LocalClient) TryExclusiveLock(kind ResourceType, id string) (bool, error) {
	return c.try(kind, id, true)
}

func (c *LocalClient) try(kind ResourceType, id string, exclusive bool) (bool, error) {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	if c.locks.closed {
		return false, ErrLocksClosed
	}
	return c.locks.tryLock(c, resource{kind, id}, exclusive), nil
}

func (c *LocalClient) ReleaseShared(kind ResourceType, ids ...string) {
	c.locks.release(c, false, kind, ids)
}

func (c *LocalClient) ReleaseExclusive(kind ResourceType, ids ...string) {
	c.locks.release(c, true, kind, ids)
}

func (c *LocalClient) LockSessionID() int {
	return c.id
}

// Close releases every lock the client still holds.
func (c *LocalClient) Close() error {
	l := c.locks
	l.mu.Lock()
	defer l.mu.Unlock()
	released := false
	for r, s := range l.locks {
		if s.owner == c {
			s.owner, s.exclusive = nil, 0
			released = true
		}
		if _, ok := s.shared[c]; ok {
			delete(s.shared, c)
			released = true
		}
		if s.free() {
			delete(l.locks, r)
		}
	}
	if released {
		l.notify()
	}
	return nil
}

// holds reports the exclusive and shared counts c has on a resource.
func (c *LocalClient) holds(kind ResourceType, id string) (exclusive, shared int) {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	s, ok := c.locks.locks[resource{kind, id}]
	if !ok {
		return 0, 0
	}
	if s.owner == c {
		exclusive = s.exclusive
	}
	return exclusive, s.shared[c]
}
