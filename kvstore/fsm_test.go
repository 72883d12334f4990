package kvstore_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transaction(t *testing.T, request kvstore.Request) common.ReplicatedContent {
	bytes, err := json.Marshal(request)
	require.NoError(t, err)
	return content.Transaction{Data: bytes}
}

func TestKeyValFSM_Apply(t *testing.T) {
	setMarshaller := func(key, val string) common.ReplicatedContent {
		return transaction(t, kvstore.Request{Type: kvstore.Set, Key: key, Val: val})
	}
	getMarshaller := func(key string) common.ReplicatedContent {
		return transaction(t, kvstore.Request{Type: kvstore.Get, Key: key})
	}

	fsm := kvstore.NewKeyValFSM()
	// set some values in the fsm
	result, err := fsm.Apply(0, setMarshaller("a", "1"))
	assert.NoError(t, err)
	assert.Nil(t, result)

	result, err = fsm.Apply(1, setMarshaller("b", "1"))
	assert.NoError(t, err)
	assert.Nil(t, result)

	// get some values
	result, err = fsm.Apply(2, getMarshaller("a"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("1"), result)

	result, err = fsm.Apply(3, getMarshaller("b"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("1"), result)

	// try to get key that does not exist
	_, err = fsm.Apply(4, getMarshaller("c"))
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)

	// set value again
	result, err = fsm.Apply(5, setMarshaller("a", "2"))
	assert.NoError(t, err)
	assert.Nil(t, result)

	// get should return the new value
	result, err = fsm.Apply(6, getMarshaller("a"))
	assert.NoError(t, err)
	assert.EqualValues(t, []byte("2"), result)
}

func TestKeyValFSM_DeduplicatesTransactions(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()
	setID, getID := uuid.New(), uuid.New()

	_, err := fsm.Apply(0, transaction(t, kvstore.Request{Type: kvstore.Set, Key: "a", Val: "1", TransactionId: setID}))
	require.NoError(t, err)
	result, err := fsm.Apply(1, transaction(t, kvstore.Request{Type: kvstore.Get, Key: "a", TransactionId: getID}))
	require.NoError(t, err)
	assert.EqualValues(t, []byte("1"), result)

	_, err = fsm.Apply(2, transaction(t, kvstore.Request{Type: kvstore.Set, Key: "a", Val: "2"}))
	require.NoError(t, err)

	// a retried set does not overwrite the newer value
	_, err = fsm.Apply(3, transaction(t, kvstore.Request{Type: kvstore.Set, Key: "a", Val: "1", TransactionId: setID}))
	require.NoError(t, err)
	val, ok := fsm.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "2", val)

	// a retried get returns the value seen the first time
	result, err = fsm.Apply(4, transaction(t, kvstore.Request{Type: kvstore.Get, Key: "a", TransactionId: getID}))
	require.NoError(t, err)
	assert.EqualValues(t, []byte("1"), result)
}

func TestKeyValFSM_IgnoresOtherContent(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()
	result, err := fsm.Apply(0, content.IntegerOf(3))
	assert.NoError(t, err)
	assert.Nil(t, result)

	_, err = fsm.Apply(1, content.Transaction{Data: []byte("{")})
	assert.Error(t, err)
}
