// Package marshal frames replicated content on the wire and on disk.
//
// Every frame is
//
//	[version byte][tag byte][uint32 payload length][payload]
//
// so a reader can skip a variant it has no codec for. Such variants decode
// to content.Unknown and encode back to the identical frame.
package marshal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/content"
)

const (
	// Version is written in front of every frame.
	Version byte = 1

	headerSize = 6
	// MaxPayloadSize protects readers from corrupt length prefixes.
	MaxPayloadSize = 64 << 20
)

var (
	ErrUnsupportedVersion = errors.New("unsupported content frame version")
	ErrPayloadTooLarge    = errors.New("content payload too large")
)

// Codec encodes and decodes the payload of a single content variant.
type Codec interface {
	Encode(c common.ReplicatedContent) ([]byte, error)
	Decode(payload []byte) (common.ReplicatedContent, error)
}

// FuncCodec adapts a pair of functions to Codec.
type FuncCodec struct {
	EncodeFunc func(c common.ReplicatedContent) ([]byte, error)
	DecodeFunc func(payload []byte) (common.ReplicatedContent, error)
}

func (f FuncCodec) Encode(c common.ReplicatedContent) ([]byte, error) { return f.EncodeFunc(c) }

func (f FuncCodec) Decode(payload []byte) (common.ReplicatedContent, error) {
	return f.DecodeFunc(payload)
}

// Registry maps content tags to codecs. It is built explicitly and passed
// to whoever needs to serialize content; there is no global registry.
type Registry struct {
	codecs map[common.ContentTag]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[common.ContentTag]Codec)}
}

// Register adds the codec for tag. A tag can only be registered once.
func (r *Registry) Register(tag common.ContentTag, codec Codec) error {
	if _, ok := r.codecs[tag]; ok {
		return fmt.Errorf("codec for tag %d already registered", tag)
	}
	r.codecs[tag] = codec
	return nil
}

func (r *Registry) MustRegister(tag common.ContentTag, codec Codec) {
	if err := r.Register(tag, codec); err != nil {
		panic(err)
	}
}

// Marshal returns the frame for c.
func (r *Registry) Marshal(c common.ReplicatedContent) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.WriteContent(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single frame. Trailing bytes are an error.
func (r *Registry) Unmarshal(data []byte) (common.ReplicatedContent, error) {
	reader := bytes.NewReader(data)
	c, err := r.ReadContent(reader)
	if err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after content frame", reader.Len())
	}
	return c, nil
}

func (r *Registry) WriteContent(w io.Writer, c common.ReplicatedContent) error {
	if c == nil {
		return errors.New("cannot marshal nil content")
	}
	tag := c.Tag()
	var payload []byte
	if unknown, ok := c.(content.Unknown); ok {
		payload = unknown.Payload
	} else {
		codec, ok := r.codecs[tag]
		if !ok {
			return fmt.Errorf("no codec registered for %T (tag %d)", c, tag)
		}
		var err error
		if payload, err = codec.Encode(c); err != nil {
			return fmt.Errorf("encoding %T: %w", c, err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	header := make([]byte, headerSize)
	header[0] = Version
	header[1] = byte(tag)
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (r *Registry) ReadContent(rd io.Reader) (common.ReplicatedContent, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(rd, header); err != nil {
		return nil, fmt.Errorf("reading content header: %w", err)
	}
	if header[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}
	tag := common.ContentTag(header[1])
	size := binary.BigEndian.Uint32(header[2:])
	if size > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return nil, fmt.Errorf("reading content payload: %w", err)
	}
	codec, ok := r.codecs[tag]
	if !ok {
		return content.Unknown{ContentTag: tag, Payload: payload}, nil
	}
	c, err := codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding tag %d: %w", tag, err)
	}
	return c, nil
}
