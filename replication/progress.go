package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrReplicationTimeout is returned by Future.Await when the wait ends
// before the operation was applied. The operation may still commit later.
var ErrReplicationTimeout = errors.New("timed out waiting for replication")

// ErrAborted completes futures whose operation will never be tracked.
var ErrAborted = errors.New("replication aborted")

// Future is completed once the operation it was created for has been
// applied locally, with the combined result of the state machines.
type Future struct {
	done    chan struct{}
	once    sync.Once
	result  interface{}
	err     error
	tracker *ProgressTracker
	op      DistributedOperation
}

func (f *Future) complete(result interface{}, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Done is closed once the future has a result.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the operation was applied or ctx is done. On
// cancellation the operation is no longer tracked.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", ErrReplicationTimeout, ctx.Err())
		if f.tracker != nil {
			f.tracker.Abort(f.op, err)
		}
		// a no-op when the result arrived meanwhile
		f.complete(nil, err)
		return f.result, f.err
	}
}

func (f *Future) AwaitTimeout(timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Await(ctx)
}

// ProgressTracker keeps the futures of in-flight operations of one session.
type ProgressTracker struct {
	session GlobalSession

	mu      sync.Mutex
	pending map[int64]*Future
}

func NewProgressTracker(session GlobalSession) *ProgressTracker {
	return &ProgressTracker{
		session: session,
		pending: make(map[int64]*Future),
	}
}

func (p *ProgressTracker) Session() GlobalSession {
	return p.session
}

// Start begins tracking op and returns its future.
func (p *ProgressTracker) Start(op DistributedOperation) *Future {
	f := &Future{done: make(chan struct{}), tracker: p, op: op}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[op.OperationID] = f
	return f
}

// TrackResult completes the future of op, if op belongs to this session and
// is still tracked. It reports whether a future was completed.
func (p *ProgressTracker) TrackResult(op DistributedOperation, result interface{}, err error) bool {
	f := p.remove(op)
	if f == nil {
		return false
	}
	f.complete(result, err)
	return true
}

// Abort stops tracking op and fails its future with err.
func (p *ProgressTracker) Abort(op DistributedOperation, err error) {
	if f := p.remove(op); f != nil {
		f.complete(nil, err)
	}
}

// AbortAll fails every pending future, e.g. on shutdown.
func (p *ProgressTracker) AbortAll(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int64]*Future)
	p.mu.Unlock()
	for _, f := range pending {
		f.complete(nil, err)
	}
}

// InProgress is the number of tracked operations.
func (p *ProgressTracker) InProgress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *ProgressTracker) remove(op DistributedOperation) *Future {
	if op.Session != p.session {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.pending[op.OperationID]
	if !ok {
		return nil
	}
	delete(p.pending, op.OperationID)
	return f
}

// NewCompletedFuture returns a future that already holds a result.
func NewCompletedFuture(result interface{}, err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.complete(result, err)
	return f
}
