package raft

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTermState_Update(t *testing.T) {
	s := TermState{Term: 3}

	changed, err := s.Update(3)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.Update(5)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(5), s.Term)

	_, err = s.Update(4)
	assert.Error(t, err)
	assert.Equal(t, int64(5), s.Term)
}

func TestVoteState_Update(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	tests := []struct {
		name     string
		initial  VoteState
		votedFor uuid.UUID
		term     int64
		changed  bool
		expected VoteState
	}{
		{"first vote", VoteState{}, a, 1, true, VoteState{VotedFor: a, Term: 1}},
		{"same vote again", VoteState{VotedFor: a, Term: 1}, a, 1, false, VoteState{VotedFor: a, Term: 1}},
		{"vote is not withdrawn", VoteState{VotedFor: a, Term: 1}, uuid.Nil, 1, false, VoteState{VotedFor: a, Term: 1}},
		{"new term", VoteState{VotedFor: a, Term: 1}, b, 2, true, VoteState{VotedFor: b, Term: 2}},
		{"new term without vote", VoteState{VotedFor: a, Term: 1}, uuid.Nil, 2, true, VoteState{Term: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.initial
			changed, err := s.Update(tt.votedFor, tt.term)
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.expected, s)
		})
	}

	s := VoteState{VotedFor: a, Term: 2}
	_, err := s.Update(b, 1)
	assert.Error(t, err)
	assert.Panics(t, func() { _, _ = s.Update(b, 2) })
}
