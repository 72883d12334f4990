package raft

import (
	"fmt"

	"github.com/neo4j/neo4j-sub258/common"
	"go.uber.org/zap"
)

// logHistoryMatches reports whether the local log holds prevIndex with
// prevTerm. Indexes that have been pruned away were committed, so they match.
func logHistoryMatches(log common.RaftLog, prevIndex, prevTerm int64) (bool, error) {
	if prevIndex == -1 || prevIndex < log.PrevIndex() {
		return true, nil
	}
	if prevIndex > log.AppendIndex() {
		return false, nil
	}
	term, err := log.ReadEntryTerm(prevIndex)
	if err != nil {
		return false, err
	}
	return term == prevTerm, nil
}

func handleAppendEntries(state *State, o *Outcome, req *AppendEntriesRequest, logger *zap.Logger) error {
	log := state.log
	if req.Term < o.Term {
		o.addOutgoing(req.Sender, &AppendEntriesResponse{
			Sender:      state.myself,
			Term:        o.Term,
			Success:     false,
			MatchIndex:  -1,
			AppendIndex: log.AppendIndex(),
		})
		return nil
	}

	o.renewElectionTimeout()
	o.Leader = req.Sender
	o.LeaderCommit = req.LeaderCommit

	matches, err := logHistoryMatches(log, req.PrevLogIndex, req.PrevLogTerm)
	if err != nil {
		return fmt.Errorf("checking log history at %d: %w", req.PrevLogIndex, err)
	}
	if !matches {
		logger.Debug("log history mismatch",
			zap.Int64("prevLogIndex", req.PrevLogIndex),
			zap.Int64("prevLogTerm", req.PrevLogTerm),
			zap.Int64("appendIndex", log.AppendIndex()))
		o.addOutgoing(req.Sender, &AppendEntriesResponse{
			Sender:      state.myself,
			Term:        o.Term,
			Success:     false,
			MatchIndex:  -1,
			AppendIndex: log.AppendIndex(),
		})
		return nil
	}

	baseIndex := req.PrevLogIndex + 1
	offset := 0
	for ; offset < len(req.Entries); offset++ {
		index := baseIndex + int64(offset)
		if index > log.AppendIndex() {
			break
		}
		if index <= log.PrevIndex() {
			continue
		}
		term, err := log.ReadEntryTerm(index)
		if err != nil {
			return fmt.Errorf("reading term at %d: %w", index, err)
		}
		if term != req.Entries[offset].Term {
			if index <= o.CommitIndex {
				panic(fmt.Sprintf("fatal: conflicting entry at %d is at or before commit index %d", index, o.CommitIndex))
			}
			logger.Info("truncating conflicting entries",
				zap.Int64("fromIndex", index),
				zap.Int64("localTerm", term),
				zap.Int64("leaderTerm", req.Entries[offset].Term))
			o.addLogCommand(TruncateLogCommand{FromIndex: index})
			break
		}
	}
	if offset < len(req.Entries) {
		o.addLogCommand(BatchAppendLogEntries{BaseIndex: baseIndex, Offset: offset, Entries: req.Entries})
	}

	endMatch := req.PrevLogIndex + int64(len(req.Entries))
	newCommit := req.LeaderCommit
	if endMatch < newCommit {
		newCommit = endMatch
	}
	o.setCommitIndex(newCommit)

	o.addOutgoing(req.Sender, &AppendEntriesResponse{
		Sender:      state.myself,
		Term:        o.Term,
		Success:     true,
		MatchIndex:  endMatch,
		AppendIndex: appendIndexAfter(state, o),
	})
	return nil
}

func handleHeartbeat(state *State, o *Outcome, hb *Heartbeat) error {
	if hb.LeaderTerm < o.Term {
		return nil
	}
	o.renewElectionTimeout()
	o.Leader = hb.Sender
	o.LeaderCommit = hb.CommitIndex
	o.addOutgoing(hb.Sender, &HeartbeatResponse{Sender: state.myself})

	if hb.CommitIndex <= o.CommitIndex || hb.CommitIndex > state.log.AppendIndex() {
		return nil
	}
	if hb.CommitIndex <= state.log.PrevIndex() {
		return nil
	}
	term, err := state.log.ReadEntryTerm(hb.CommitIndex)
	if err != nil {
		return fmt.Errorf("reading term at %d: %w", hb.CommitIndex, err)
	}
	if term == hb.CommitIndexTerm {
		o.setCommitIndex(hb.CommitIndex)
	}
	return nil
}

func handleLogCompactionInfo(state *State, o *Outcome, info *LogCompactionInfo, logger *zap.Logger) {
	if info.LeaderTerm < o.Term {
		return
	}
	o.renewElectionTimeout()
	o.Leader = info.Sender
	if state.log.AppendIndex() <= info.PrevIndex {
		logger.Warn("leader pruned entries this member still needs",
			zap.Int64("leaderPrevIndex", info.PrevIndex),
			zap.Int64("appendIndex", state.log.AppendIndex()))
		o.NeedsFreshSnapshot = true
	}
}
