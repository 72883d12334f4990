package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub258/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EntryReader reads committed entries. raft.Machine satisfies it.
type EntryReader interface {
	ReadEntry(index int64) (common.LogEntry, error)
}

// ApplicationProcess feeds committed entries to the registered state
// machines, strictly in index order and once per index, and completes the
// futures of locally proposed operations.
type ApplicationProcess struct {
	logger  *zap.Logger
	reader  EntryReader
	tracker *ProgressTracker

	mu   sync.RWMutex
	fsms []common.FSM

	commitIndex atomic.Int64
	lastApplied atomic.Int64
	wakeup      chan struct{}
	applied     chan struct{}

	appliedMu   sync.Mutex
	appliedCond *sync.Cond

	listenersMu      sync.Mutex
	appliedListeners []func(lastApplied int64)
	fatalListeners   []func(err error)
	failure          atomic.Error

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewApplicationProcess starts applying after lastApplied; entries up to
// and including it are considered applied already.
func NewApplicationProcess(logger *zap.Logger, reader EntryReader, tracker *ProgressTracker, lastApplied int64) *ApplicationProcess {
	a := &ApplicationProcess{
		logger:   logger,
		reader:   reader,
		tracker:  tracker,
		wakeup:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	a.appliedCond = sync.NewCond(&a.appliedMu)
	a.commitIndex.Store(lastApplied)
	a.lastApplied.Store(lastApplied)
	return a
}

// Register adds a state machine. Register before Start.
func (a *ApplicationProcess) Register(fsm common.FSM) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fsms = append(a.fsms, fsm)
}

// NotifyCommitted never blocks and can be registered as a raft commit
// listener.
func (a *ApplicationProcess) NotifyCommitted(commitIndex int64) {
	for {
		current := a.commitIndex.Load()
		if commitIndex <= current || a.commitIndex.CompareAndSwap(current, commitIndex) {
			break
		}
	}
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

func (a *ApplicationProcess) LastApplied() int64 {
	return a.lastApplied.Load()
}

// RegisterAppliedListener registers fn to be called from the applying
// goroutine each time a run of entries has been applied. fn must not block.
func (a *ApplicationProcess) RegisterAppliedListener(fn func(lastApplied int64)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.appliedListeners = append(a.appliedListeners, fn)
}

// OnFatal registers fn to be called once when a state machine reports a
// storage failure. Application has halted by then.
func (a *ApplicationProcess) OnFatal(fn func(err error)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.fatalListeners = append(a.fatalListeners, fn)
}

// Err returns the storage failure that halted application, if any.
func (a *ApplicationProcess) Err() error {
	return a.failure.Load()
}

func (a *ApplicationProcess) Start() {
	a.wg.Add(1)
	go a.run()
}

func (a *ApplicationProcess) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
		if a.tracker != nil {
			a.tracker.AbortAll(errors.New("application process stopped"))
		}
		a.appliedMu.Lock()
		a.appliedCond.Broadcast()
		a.appliedMu.Unlock()
	})
}

// AwaitApplied blocks until index has been applied or ctx is done.
func (a *ApplicationProcess) AwaitApplied(ctx context.Context, index int64) error {
	stop := context.AfterFunc(ctx, func() {
		a.appliedMu.Lock()
		defer a.appliedMu.Unlock()
		a.appliedCond.Broadcast()
	})
	defer stop()

	a.appliedMu.Lock()
	defer a.appliedMu.Unlock()
	for a.lastApplied.Load() < index {
		if err := a.failure.Load(); err != nil {
			return fmt.Errorf("waiting for index %d to be applied: %w", index, err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for index %d to be applied: %w", index, err)
		}
		select {
		case <-a.stopChan:
			return errors.New("application process stopped")
		default:
		}
		a.appliedCond.Wait()
	}
	return nil
}

func (a *ApplicationProcess) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopChan:
			return
		case <-a.wakeup:
			err := a.applyUpTo(a.commitIndex.Load())
			if errors.Is(err, common.ErrStorageFailure) {
				a.halt(err)
				return
			}
			if err != nil {
				// entries are retried on the next commit notification
				a.logger.Error("failed to apply committed entries", zap.Error(err))
			}
		}
	}
}

func (a *ApplicationProcess) applyUpTo(commitIndex int64) error {
	from := a.lastApplied.Load()
	defer func() {
		if last := a.lastApplied.Load(); last > from {
			a.listenersMu.Lock()
			listeners := a.appliedListeners
			a.listenersMu.Unlock()
			for _, fn := range listeners {
				fn(last)
			}
		}
	}()
	for index := from + 1; index <= commitIndex; index++ {
		select {
		case <-a.stopChan:
			return nil
		default:
		}
		entry, err := a.reader.ReadEntry(index)
		if err != nil {
			return fmt.Errorf("reading committed entry %d: %w", index, err)
		}
		if err := a.apply(index, entry.Content); err != nil {
			return err
		}

		a.appliedMu.Lock()
		a.lastApplied.Store(index)
		a.appliedCond.Broadcast()
		a.appliedMu.Unlock()
	}
	return nil
}

// apply feeds one entry to every state machine. Only a storage failure is
// returned; the entry then counts as not applied.
func (a *ApplicationProcess) apply(index int64, c common.ReplicatedContent) error {
	op, isOperation := c.(DistributedOperation)
	if isOperation {
		c = op.Content
	}

	a.mu.RLock()
	fsms := a.fsms
	a.mu.RUnlock()

	var result interface{}
	var errs error
	for _, fsm := range fsms {
		r, err := fsm.Apply(index, c)
		if errors.Is(err, common.ErrStorageFailure) {
			return fmt.Errorf("applying entry %d: %w", index, err)
		}
		errs = multierr.Append(errs, err)
		if r != nil && result == nil {
			result = r
		}
	}
	if errs != nil {
		a.logger.Warn("state machine rejected entry", zap.Int64("index", index), zap.Error(errs))
	}
	if isOperation && a.tracker != nil {
		a.tracker.TrackResult(op, result, errs)
	}
	return nil
}

// halt stops application for good without advancing past the failed entry.
// Pending operations fail and waiters are released.
func (a *ApplicationProcess) halt(err error) {
	a.logger.Error("state machine storage failed, application halted",
		zap.Int64("lastApplied", a.lastApplied.Load()),
		zap.Error(err))
	a.appliedMu.Lock()
	a.failure.Store(err)
	a.appliedCond.Broadcast()
	a.appliedMu.Unlock()
	if a.tracker != nil {
		a.tracker.AbortAll(fmt.Errorf("%w: %w", ErrAborted, err))
	}

	a.listenersMu.Lock()
	listeners := a.fatalListeners
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}
