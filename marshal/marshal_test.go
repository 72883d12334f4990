package marshal_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
	"github.com/neo4j/neo4j-sub258/marshal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreRegistry_RoundTrip(t *testing.T) {
	registry := marshal.NewCoreRegistry()
	values := []common.ReplicatedContent{
		content.IntegerOf(-42),
		content.ReplicatedString("hello"),
		content.NewMemberSet(uuid.New(), uuid.New(), uuid.New()),
		content.NewLeaderBarrier{},
		content.Dummy{},
		content.Transaction{Data: []byte(`{"type":"set"}`)},
	}
	for _, value := range values {
		data, err := registry.Marshal(value)
		require.NoError(t, err)
		decoded, err := registry.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, value, decoded)
	}
}

func TestRegistry_FrameLayout(t *testing.T) {
	registry := marshal.NewCoreRegistry()
	data, err := registry.Marshal(content.IntegerOf(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{marshal.Version, byte(content.TagInteger), 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 1}, data)
}

func TestRegistry_UnknownTagIsPreserved(t *testing.T) {
	frame := []byte{marshal.Version, 200, 0, 0, 0, 3, 'a', 'b', 'c'}
	registry := marshal.NewCoreRegistry()

	decoded, err := registry.Unmarshal(frame)
	require.NoError(t, err)
	unknown, ok := decoded.(content.Unknown)
	require.True(t, ok)
	assert.Equal(t, common.ContentTag(200), unknown.Tag())
	assert.Equal(t, []byte("abc"), unknown.Payload)

	encoded, err := registry.Marshal(unknown)
	require.NoError(t, err)
	assert.Equal(t, frame, encoded)
}

func TestRegistry_SkipsUnknownFramesInStream(t *testing.T) {
	registry := marshal.NewCoreRegistry()
	var buf bytes.Buffer
	buf.Write([]byte{marshal.Version, 99, 0, 0, 0, 2, 0xff, 0xff})
	require.NoError(t, registry.WriteContent(&buf, content.ReplicatedString("after")))

	first, err := registry.ReadContent(&buf)
	require.NoError(t, err)
	assert.IsType(t, content.Unknown{}, first)
	second, err := registry.ReadContent(&buf)
	require.NoError(t, err)
	assert.Equal(t, content.ReplicatedString("after"), second)
}

func TestRegistry_Errors(t *testing.T) {
	registry := marshal.NewCoreRegistry()

	_, err := registry.Unmarshal([]byte{2, byte(content.TagDummy), 0, 0, 0, 0})
	assert.ErrorIs(t, err, marshal.ErrUnsupportedVersion)

	_, err = registry.Unmarshal([]byte{marshal.Version, byte(content.TagInteger), 0, 0, 0, 8, 1})
	assert.Error(t, err)

	_, err = marshal.NewRegistry().Marshal(content.Dummy{})
	assert.Error(t, err)

	err = registry.Register(content.TagDummy, marshal.FuncCodec{})
	assert.Error(t, err)
}
