package raft

import (
	"fmt"

	"github.com/google/uuid"
)

// FollowerState is the leader's view of one follower's log.
type FollowerState struct {
	// MatchIndex is the highest index known to be replicated on the follower.
	MatchIndex int64
	// NextIndex is the next index the leader will ship to the follower.
	NextIndex int64
}

func (s FollowerState) String() string {
	return fmt.Sprintf("FollowerState{match=%d, next=%d}", s.MatchIndex, s.NextIndex)
}

// FollowerStates is a copy-on-write map of follower states. Values are
// never modified in place so that an Outcome can hold a version without
// aliasing the one in State.
type FollowerStates struct {
	states map[uuid.UUID]FollowerState
}

func NewFollowerStates() FollowerStates {
	return FollowerStates{states: map[uuid.UUID]FollowerState{}}
}

func (f FollowerStates) Get(id uuid.UUID) (FollowerState, bool) {
	s, ok := f.states[id]
	return s, ok
}

// With returns a copy with the state of id replaced.
func (f FollowerStates) With(id uuid.UUID, state FollowerState) FollowerStates {
	next := make(map[uuid.UUID]FollowerState, len(f.states)+1)
	for k, v := range f.states {
		next[k] = v
	}
	next[id] = state
	return FollowerStates{states: next}
}

func (f FollowerStates) Len() int { return len(f.states) }

// Copy returns a plain map snapshot, safe to hand out to other goroutines.
func (f FollowerStates) Copy() map[uuid.UUID]FollowerState {
	c := make(map[uuid.UUID]FollowerState, len(f.states))
	for k, v := range f.states {
		c[k] = v
	}
	return c
}
