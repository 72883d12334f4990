package locktoken_test

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/locktoken"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/neo4j/neo4j-sub258/persistent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStateMachine(t *testing.T) (*locktoken.StateMachine, *persistent.InMemoryStateStorage[locktoken.State]) {
	storage := persistent.NewInMemoryStateStorage(locktoken.InitialState)
	sm, err := locktoken.NewStateMachine(zaptest.NewLogger(t), storage)
	require.NoError(t, err)
	return sm, storage
}

func TestNextCandidateID(t *testing.T) {
	assert.Equal(t, 0, locktoken.NextCandidateID(locktoken.InvalidLockSessionID))
	assert.Equal(t, 8, locktoken.NextCandidateID(7))
	assert.Equal(t, 0, locktoken.NextCandidateID(math.MaxInt32))
}

func TestRequestCodec(t *testing.T) {
	registry := marshal.NewCoreRegistry()
	require.NoError(t, locktoken.RegisterCodecs(registry))

	req := locktoken.Request{Owner: uuid.New(), CandidateID: 12}
	data, err := registry.Marshal(req)
	require.NoError(t, err)
	decoded, err := registry.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	data, err = registry.Marshal(locktoken.InvalidToken)
	require.NoError(t, err)
	decoded, err = registry.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, locktoken.InvalidToken, decoded)
}

func TestStateMachine_AcceptsOnlyTheNextCandidate(t *testing.T) {
	sm, storage := newStateMachine(t)
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, locktoken.InvalidToken, sm.CurrentToken())

	result, err := sm.Apply(0, locktoken.Request{Owner: a, CandidateID: 0})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.Equal(t, locktoken.Request{Owner: a, CandidateID: 0}, sm.CurrentToken())

	// b raced a for the same id and lost
	result, err = sm.Apply(1, locktoken.Request{Owner: b, CandidateID: 0})
	require.NoError(t, err)
	assert.Equal(t, false, result)
	assert.Equal(t, a, sm.CurrentToken().Owner)

	result, err = sm.Apply(2, locktoken.Request{Owner: b, CandidateID: 5})
	require.NoError(t, err)
	assert.Equal(t, false, result)

	result, err = sm.Apply(3, locktoken.Request{Owner: b, CandidateID: 1})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.Equal(t, locktoken.Request{Owner: b, CandidateID: 1}, sm.CurrentToken())
	assert.Equal(t, int64(3), sm.Ordinal())

	state, err := storage.InitialState()
	require.NoError(t, err)
	assert.Equal(t, locktoken.State{Token: locktoken.Request{Owner: b, CandidateID: 1}, Ordinal: 3}, state)
	assert.Equal(t, 2, storage.Persists())
}

func TestStateMachine_IgnoresOtherContent(t *testing.T) {
	sm, storage := newStateMachine(t)
	result, err := sm.Apply(0, content.IntegerOf(1))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, storage.Persists())
}

func TestStateMachine_SkipsEntriesAppliedBeforeRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locktoken.db")
	owner := uuid.New()

	storage, err := persistent.OpenBoltStateStorage(path, "lock-token", locktoken.InitialState)
	require.NoError(t, err)
	sm, err := locktoken.NewStateMachine(zaptest.NewLogger(t), storage)
	require.NoError(t, err)
	_, err = sm.Apply(4, locktoken.Request{Owner: owner, CandidateID: 0})
	require.NoError(t, err)
	require.NoError(t, sm.Close())

	storage, err = persistent.OpenBoltStateStorage(path, "lock-token", locktoken.InitialState)
	require.NoError(t, err)
	sm, err = locktoken.NewStateMachine(zaptest.NewLogger(t), storage)
	require.NoError(t, err)
	defer sm.Close()
	assert.Equal(t, locktoken.Request{Owner: owner, CandidateID: 0}, sm.CurrentToken())

	// replaying the log from the start does not move the token again
	result, err := sm.Apply(4, locktoken.Request{Owner: owner, CandidateID: 0})
	require.NoError(t, err)
	assert.Nil(t, result)
	result, err = sm.Apply(5, locktoken.Request{Owner: uuid.New(), CandidateID: 0})
	require.NoError(t, err)
	assert.Equal(t, false, result)
	assert.Equal(t, int64(4), sm.Ordinal())
}

func TestStateMachine_PersistFailureKeepsToken(t *testing.T) {
	sm, storage := newStateMachine(t)
	diskFull := errors.New("disk full")
	storage.FailNext(diskFull)

	_, err := sm.Apply(0, locktoken.Request{Owner: uuid.New(), CandidateID: 0})
	assert.ErrorIs(t, err, diskFull)
	assert.ErrorIs(t, err, common.ErrStorageFailure)
	assert.Equal(t, locktoken.InvalidToken, sm.CurrentToken())
	assert.Equal(t, int64(-1), sm.Ordinal())
}

// Every member applies the same committed sequence; competing requests for
// one candidate id must leave exactly one winner per id on all of them.
func TestStateMachine_SingleWriter(t *testing.T) {
	owners := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var sequence []locktoken.Request
	for id := 0; id < 20; id++ {
		for _, owner := range owners {
			sequence = append(sequence, locktoken.Request{Owner: owner, CandidateID: id})
		}
	}

	const members = 3
	winners := make([][]locktoken.Request, members)
	var wg sync.WaitGroup
	for m := 0; m < members; m++ {
		m := m
		sm, _ := newStateMachine(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, req := range sequence {
				result, err := sm.Apply(int64(i), req)
				if !assert.NoError(t, err) {
					return
				}
				if result == true {
					winners[m] = append(winners[m], sm.CurrentToken())
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners[0], 20)
	for id, token := range winners[0] {
		assert.Equal(t, id, token.CandidateID)
		assert.Equal(t, owners[0], token.Owner)
	}
	for m := 1; m < members; m++ {
		assert.Equal(t, winners[0], winners[m])
	}
}
