package raft

import (
	"fmt"

	"github.com/google/uuid"
)

// TermState is the persisted current term of a member.
type TermState struct {
	Term int64
}

// Update moves the term forward. It reports whether the term changed and
// fails if asked to go backwards.
func (s *TermState) Update(term int64) (bool, error) {
	if term < s.Term {
		return false, fmt.Errorf("cannot move term backwards from %d to %d", s.Term, term)
	}
	changed := term != s.Term
	s.Term = term
	return changed, nil
}

// VoteState is the persisted vote cast by a member, together with the term
// it was cast in.
type VoteState struct {
	VotedFor uuid.UUID
	Term     int64
}

// Update records the vote for term. Voting for a second candidate in the
// same term breaks election safety and panics.
func (s *VoteState) Update(votedFor uuid.UUID, term int64) (bool, error) {
	if term < s.Term {
		return false, fmt.Errorf("cannot record vote for term %d after term %d", term, s.Term)
	}
	if term == s.Term {
		if s.VotedFor == votedFor {
			return false, nil
		}
		if s.VotedFor != uuid.Nil && votedFor != uuid.Nil {
			panic(fmt.Sprintf("fatal: double vote in term %d: %v and %v", term, s.VotedFor, votedFor))
		}
		if votedFor == uuid.Nil {
			// a vote is never withdrawn within its term
			return false, nil
		}
	}
	s.VotedFor = votedFor
	s.Term = term
	return true, nil
}
