package raft

import (
	"go.uber.org/zap"
)

// Handle computes what msg changes for a member in state. It never mutates
// state; the returned Outcome is applied with State.Update. An error means
// the log could not be read and is fatal for the member.
func Handle(state *State, msg Message, logger *zap.Logger) (*Outcome, error) {
	outcome := newOutcome(state)
	if term, ok := messageTerm(msg); ok && term > outcome.Term {
		logger.Info("stepping down on higher term",
			zap.Stringer("role", outcome.Role),
			zap.Int64("term", outcome.Term),
			zap.Int64("newTerm", term),
			zap.Stringer("message", msg.Type()),
			zap.Stringer("from", msg.From()))
		outcome.stepDown(term)
		if err := handleFollower(state, outcome, msg, logger); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	var err error
	switch outcome.Role {
	case Follower:
		err = handleFollower(state, outcome, msg, logger)
	case PreCandidate:
		err = handlePreCandidate(state, outcome, msg, logger)
	case Candidate:
		err = handleCandidate(state, outcome, msg, logger)
	case Leader:
		err = handleLeader(state, outcome, msg, logger)
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// handlePrune prunes no further than the commit index.
func handlePrune(state *State, o *Outcome, req *PruneRequest) {
	index := req.PruneIndex
	if index > o.CommitIndex {
		index = o.CommitIndex
	}
	if index > state.log.PrevIndex() {
		o.addLogCommand(PruneLogCommand{PruneIndex: index})
	}
}

// appendIndexAfter is the log's append index once the commands already
// collected in o have been applied.
func appendIndexAfter(state *State, o *Outcome) int64 {
	index := state.log.AppendIndex()
	for _, cmd := range o.LogCommands {
		switch c := cmd.(type) {
		case AppendLogEntry:
			index = c.Index
		case BatchAppendLogEntries:
			if len(c.Entries) > c.Offset {
				index = c.BaseIndex + int64(len(c.Entries)) - 1
			}
		case TruncateLogCommand:
			index = c.FromIndex - 1
		}
	}
	return index
}

func lastLogIndexAndTerm(state *State) (int64, int64, error) {
	index := state.log.AppendIndex()
	term, err := state.log.ReadEntryTerm(index)
	return index, term, err
}
