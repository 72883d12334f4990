package client

import (
	"bytes"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryServer is a single, non-replicated server.
type memoryServer struct {
	fsm   *kvstore.KeyValFSM
	index int64
}

func (s *memoryServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	val, err := s.fsm.Apply(s.index, contentOf(args.Data))
	s.index++
	if err != nil {
		result.Error = err.Error()
		return nil
	}
	result.Success = true
	if data, ok := val.([]byte); ok {
		result.Data = data
	}
	return nil
}

func TestRepl(t *testing.T) {
	store := kvstore.NewKeyValStoreWith(&memoryServer{fsm: kvstore.NewKeyValFSM()})
	in := strings.NewReader("SET a 1\nget a\nGET b\nSET a\nDELETE a\n\nexit\nGET a\n")
	var out bytes.Buffer

	require.NoError(t, runRepl(store, in, &out))
	output := out.String()
	assert.Contains(t, output, "a = 1, OK")
	assert.Contains(t, output, kvstore.ErrKeyNotFound.Error())
	assert.Contains(t, output, "usage: SET <key> <val>")
	assert.Contains(t, output, "Incorrect command")
	assert.Equal(t, 2, strings.Count(output, "a = 1, OK"))
}

func contentOf(data []byte) common.ReplicatedContent {
	return content.Transaction{Data: data}
}
