package persistent

import (
	"sync"

	"github.com/neo4j/neo4j-sub258/common"
)

// InMemoryStateStorage keeps the value in memory. FailNext makes the next
// Persist fail, which tests use to simulate a broken disk.
type InMemoryStateStorage[T any] struct {
	mu       sync.Mutex
	value    T
	failNext error
	persists int
}

var _ common.StateStorage[int64] = &InMemoryStateStorage[int64]{}

func NewInMemoryStateStorage[T any](initial T) *InMemoryStateStorage[T] {
	return &InMemoryStateStorage[T]{value: initial}
}

func (s *InMemoryStateStorage[T]) InitialState() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *InMemoryStateStorage[T]) Persist(value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.value = value
	s.persists++
	return nil
}

func (s *InMemoryStateStorage[T]) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Persists counts successful Persist calls.
func (s *InMemoryStateStorage[T]) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}

func (s *InMemoryStateStorage[T]) Close() error { return nil }
