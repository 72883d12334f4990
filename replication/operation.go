// Package replication submits content to the raft leader and reports back
// once the content has been committed and applied locally.
package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/marshal"
)

// GlobalSession identifies one replicator instance across the cluster.
// Results are matched to their futures by session and operation id, never
// by comparing content.
type GlobalSession struct {
	ID    uuid.UUID
	Owner uuid.UUID
}

func NewGlobalSession(owner uuid.UUID) GlobalSession {
	return GlobalSession{ID: uuid.New(), Owner: owner}
}

func (s GlobalSession) String() string {
	return fmt.Sprintf("GlobalSession{%v@%v}", s.ID, s.Owner)
}

// DistributedOperation wraps replicated content with the identity of the
// operation that proposed it.
type DistributedOperation struct {
	Session     GlobalSession
	OperationID int64
	Content     common.ReplicatedContent
}

func (DistributedOperation) Tag() common.ContentTag { return content.TagDistributedOperation }

func (op DistributedOperation) String() string {
	return fmt.Sprintf("DistributedOperation{%v, op=%d, %v}", op.Session, op.OperationID, op.Content)
}

// RegisterCodecs adds the DistributedOperation codec to r. The wrapped
// content is framed with r itself, so it can be any registered variant.
func RegisterCodecs(r *marshal.Registry) error {
	return r.Register(content.TagDistributedOperation, marshal.FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			op, ok := c.(DistributedOperation)
			if !ok {
				return nil, fmt.Errorf("unexpected content type %T", c)
			}
			inner, err := r.Marshal(op.Content)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 0, 40+len(inner))
			buf = append(buf, op.Session.ID[:]...)
			buf = append(buf, op.Session.Owner[:]...)
			buf = binary.BigEndian.AppendUint64(buf, uint64(op.OperationID))
			return append(buf, inner...), nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			if len(payload) < 40 {
				return nil, fmt.Errorf("distributed operation payload has %d bytes", len(payload))
			}
			var op DistributedOperation
			copy(op.Session.ID[:], payload[0:16])
			copy(op.Session.Owner[:], payload[16:32])
			op.OperationID = int64(binary.BigEndian.Uint64(payload[32:40]))
			inner, err := r.Unmarshal(payload[40:])
			if err != nil {
				return nil, fmt.Errorf("decoding wrapped content: %w", err)
			}
			op.Content = inner
			return op, nil
		},
	})
}
