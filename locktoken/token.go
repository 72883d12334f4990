// Package locktoken arbitrates which member may grant exclusive locks. The
// token is taken by replicating a Request through raft; the state machine
// accepts a request only if it names the candidate id following the
// current one, so exactly one of several competing requests wins.
package locktoken

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/marshal"
)

// InvalidLockSessionID is the candidate id of the token before anyone took it.
const InvalidLockSessionID = -1

// Request asks for the lock token on behalf of Owner. Once applied it is
// also the value of the current token.
type Request struct {
	Owner       uuid.UUID
	CandidateID int
}

// InvalidToken is held by nobody.
var InvalidToken = Request{Owner: uuid.Nil, CandidateID: InvalidLockSessionID}

func (Request) Tag() common.ContentTag { return content.TagLockTokenRequest }

func (r Request) String() string {
	return fmt.Sprintf("LockTokenRequest{owner=%v, candidateId=%d}", r.Owner, r.CandidateID)
}

// NextCandidateID is the only candidate id that can follow id.
func NextCandidateID(id int) int {
	if id >= math.MaxInt32 {
		return 0
	}
	return id + 1
}

func RegisterCodecs(r *marshal.Registry) error {
	return r.Register(content.TagLockTokenRequest, marshal.FuncCodec{
		EncodeFunc: func(c common.ReplicatedContent) ([]byte, error) {
			req, ok := c.(Request)
			if !ok {
				return nil, fmt.Errorf("unexpected content type %T", c)
			}
			buf := make([]byte, 0, 20)
			buf = append(buf, req.Owner[:]...)
			return binary.BigEndian.AppendUint32(buf, uint32(int32(req.CandidateID))), nil
		},
		DecodeFunc: func(payload []byte) (common.ReplicatedContent, error) {
			if len(payload) != 20 {
				return nil, fmt.Errorf("lock token request payload has %d bytes", len(payload))
			}
			var req Request
			copy(req.Owner[:], payload[:16])
			req.CandidateID = int(int32(binary.BigEndian.Uint32(payload[16:])))
			return req, nil
		},
	})
}
