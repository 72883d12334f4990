package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/marshal"
)

// EncodeToBytes gob-encodes small state values.
func EncodeToBytes(p interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeFromBytes[T any](s []byte) (T, error) {
	var value T
	dec := gob.NewDecoder(bytes.NewReader(s))
	err := dec.Decode(&value)
	return value, err
}

// encodeEntry stores an entry as its term followed by the content frame.
func encodeEntry(registry *marshal.Registry, entry common.LogEntry) ([]byte, error) {
	frame, err := registry.Marshal(entry.Content)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8, 8+len(frame))
	binary.BigEndian.PutUint64(buf, uint64(entry.Term))
	return append(buf, frame...), nil
}

func decodeEntry(registry *marshal.Registry, data []byte) (common.LogEntry, error) {
	if len(data) < 8 {
		return common.LogEntry{}, fmt.Errorf("log entry has %d bytes", len(data))
	}
	c, err := registry.Unmarshal(data[8:])
	if err != nil {
		return common.LogEntry{}, err
	}
	return common.LogEntry{Term: int64(binary.BigEndian.Uint64(data)), Content: c}, nil
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// int64ToBytes keeps non-negative indexes in numeric order under bolt's
// byte ordering.
func int64ToBytes(u int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(u))
	return buf
}
