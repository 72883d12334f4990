package raft

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// logUpToDate compares (lastLogTerm, lastLogIndex) lexicographically: the
// candidate must be at least as up to date as the local log.
func logUpToDate(state *State, candidateLastTerm, candidateLastIndex int64) (bool, error) {
	localIndex, localTerm, err := lastLogIndexAndTerm(state)
	if err != nil {
		return false, fmt.Errorf("reading last log term: %w", err)
	}
	if candidateLastTerm != localTerm {
		return candidateLastTerm > localTerm, nil
	}
	return candidateLastIndex >= localIndex, nil
}

func handleVoteRequest(state *State, o *Outcome, req *VoteRequest, logger *zap.Logger) error {
	granted := false
	if req.Term >= o.Term && (o.VotedFor == uuid.Nil || o.VotedFor == req.Candidate) {
		upToDate, err := logUpToDate(state, req.LastLogTerm, req.LastLogIndex)
		if err != nil {
			return err
		}
		granted = upToDate
	}
	if granted {
		o.VotedFor = req.Candidate
		o.renewElectionTimeout()
	}
	logger.Debug("vote request",
		zap.Stringer("candidate", req.Candidate),
		zap.Int64("term", req.Term),
		zap.Bool("granted", granted))
	o.addOutgoing(req.Sender, &VoteResponse{Sender: state.myself, Term: o.Term, VoteGranted: granted})
	return nil
}

// handlePreVoteRequest never changes term or vote. Followers that still
// know a leader refuse, so a member returning from a partition cannot
// disrupt a healthy cluster.
func handlePreVoteRequest(state *State, o *Outcome, req *PreVoteRequest, logger *zap.Logger) error {
	granted := false
	if state.supportPreVoting && req.Term >= o.Term && o.Role != Leader &&
		!(o.Role == Follower && o.Leader != uuid.Nil) {
		upToDate, err := logUpToDate(state, req.LastLogTerm, req.LastLogIndex)
		if err != nil {
			return err
		}
		granted = upToDate
	}
	logger.Debug("pre-vote request",
		zap.Stringer("candidate", req.Candidate),
		zap.Int64("term", req.Term),
		zap.Bool("granted", granted))
	o.addOutgoing(req.Sender, &PreVoteResponse{Sender: state.myself, Term: o.Term, VoteGranted: granted})
	return nil
}
