// Package content holds the replicated content variants known to the
// consensus core. Every variant carries a stable type tag so that the wire
// format can be extended without reusing tags.
package content

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
)

const (
	TagInteger              common.ContentTag = 1
	TagString               common.ContentTag = 2
	TagMemberSet            common.ContentTag = 3
	TagNewLeaderBarrier     common.ContentTag = 4
	TagDummy                common.ContentTag = 5
	TagTransaction          common.ContentTag = 6
	TagDistributedOperation common.ContentTag = 7
	TagLockTokenRequest     common.ContentTag = 8
)

// ReplicatedInteger is mostly used by tests.
type ReplicatedInteger int64

func IntegerOf(v int64) ReplicatedInteger { return ReplicatedInteger(v) }

func (ReplicatedInteger) Tag() common.ContentTag { return TagInteger }

type ReplicatedString string

func (ReplicatedString) Tag() common.ContentTag { return TagString }

// MemberSet replaces the voting and replication members once appended.
type MemberSet struct {
	Members []uuid.UUID
}

func NewMemberSet(members ...uuid.UUID) MemberSet {
	sorted := append([]uuid.UUID(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	return MemberSet{Members: sorted}
}

func (MemberSet) Tag() common.ContentTag { return TagMemberSet }

func (m MemberSet) Contains(id uuid.UUID) bool {
	for _, member := range m.Members {
		if member == id {
			return true
		}
	}
	return false
}

// NewLeaderBarrier is appended by every newly elected leader. Committing
// it establishes the leader's commit authority for its term.
type NewLeaderBarrier struct{}

func (NewLeaderBarrier) Tag() common.ContentTag { return TagNewLeaderBarrier }

func (NewLeaderBarrier) String() string { return "NewLeaderBarrier" }

// Dummy is a no-op entry.
type Dummy struct{}

func (Dummy) Tag() common.ContentTag { return TagDummy }

// Transaction is an application operation whose bytes are opaque to the core.
type Transaction struct {
	Data []byte
}

func (Transaction) Tag() common.ContentTag { return TagTransaction }

func (t Transaction) String() string { return fmt.Sprintf("Transaction{%d bytes}", len(t.Data)) }

// Unknown is produced when decoding a tag this binary does not know. The
// payload is kept verbatim so that the entry can still be stored and forwarded.
type Unknown struct {
	ContentTag common.ContentTag
	Payload    []byte
}

func (u Unknown) Tag() common.ContentTag { return u.ContentTag }
