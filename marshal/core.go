package marshal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
)

// NewCoreRegistry returns a registry holding the codecs of every variant
// defined in package content.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(content.TagInteger, FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			v, ok := c.(content.ReplicatedInteger)
			if !ok {
				return nil, unexpected(c)
			}
			return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			if len(payload) != 8 {
				return nil, fmt.Errorf("integer payload has %d bytes", len(payload))
			}
			return content.ReplicatedInteger(int64(binary.BigEndian.Uint64(payload))), nil
		},
	})
	r.MustRegister(content.TagString, FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			v, ok := c.(content.ReplicatedString)
			if !ok {
				return nil, unexpected(c)
			}
			return []byte(v), nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			return content.ReplicatedString(payload), nil
		},
	})
	r.MustRegister(content.TagMemberSet, FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			v, ok := c.(content.MemberSet)
			if !ok {
				return nil, unexpected(c)
			}
			buf := binary.BigEndian.AppendUint32(nil, uint32(len(v.Members)))
			for _, member := range v.Members {
				buf = append(buf, member[:]...)
			}
			return buf, nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			if len(payload) < 4 {
				return nil, fmt.Errorf("member set payload has %d bytes", len(payload))
			}
			n := int(binary.BigEndian.Uint32(payload))
			if len(payload) != 4+16*n {
				return nil, fmt.Errorf("member set of %d members has %d bytes", n, len(payload))
			}
			members := make([]uuid.UUID, n)
			for i := range members {
				copy(members[i][:], payload[4+16*i:])
			}
			return content.MemberSet{Members: members}, nil
		},
	})
	r.MustRegister(content.TagNewLeaderBarrier, emptyCodec(content.NewLeaderBarrier{}))
	r.MustRegister(content.TagDummy, emptyCodec(content.Dummy{}))
	r.MustRegister(content.TagTransaction, FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			v, ok := c.(content.Transaction)
			if !ok {
				return nil, unexpected(c)
			}
			return v.Data, nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			return content.Transaction{Data: payload}, nil
		},
	})
	return r
}

func emptyCodec(value common.ReplicatedContent) Codec {
	return FuncCodec{
		EncodeFunc: func(common.ReplicatedContent) ([]byte, error) { return nil, nil },
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			if len(payload) != 0 {
				return nil, fmt.Errorf("%T carries no payload, got %d bytes", value, len(payload))
			}
			return value, nil
		},
	}
}

func unexpected(c common.ReplicatedContent) error {
	return fmt.Errorf("unexpected content type %T for tag %d", c, c.Tag())
}
