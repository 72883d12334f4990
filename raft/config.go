package raft

// Names under which the persisted raft state is stored. Storage
// implementations use them as file or key names.
const (
	TermStateName = "term"
	VoteStateName = "vote"
)
