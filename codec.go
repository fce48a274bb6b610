package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"
)

// Binary snapshot frames: one header byte, then either the msgpack body or an
// lz4 block prefixed with the uvarint length of the uncompressed body.
const (
	frameRaw byte = 0x00
	frameLZ4 byte = 0x01

	minCompressSize  = 256     // bodies smaller than this are sent raw
	maxSnapshotBytes = 8 << 20 // refuse to inflate anything larger
)

var ErrBadFrame = errors.New("malformed snapshot frame")

// marshalMsgpack encodes v using its json tags as field names so one set of
// tags serves both wire encodings
func marshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// EncodeSnapshot builds a binary frame for s, lz4-compressed when asked and
// when compression actually helps
func EncodeSnapshot(s *Snapshot, compress bool) ([]byte, error) {
	body, err := marshalMsgpack(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if compress && len(body) >= minCompressSize {
		frame := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(body)))
		frame[0] = frameLZ4
		n := 1 + binary.PutUvarint(frame[1:], uint64(len(body)))
		c, err := lz4.CompressBlock(body, frame[n:], nil)
		if err == nil && c > 0 && n+c < len(body)+1 {
			return frame[:n+c], nil
		}
	}
	frame := make([]byte, len(body)+1)
	frame[0] = frameRaw
	copy(frame[1:], body)
	return frame, nil
}

// DecodeSnapshot reverses EncodeSnapshot
func DecodeSnapshot(frame []byte) (*Snapshot, error) {
	if len(frame) < 2 {
		return nil, ErrBadFrame
	}
	var body []byte
	switch frame[0] {
	case frameRaw:
		body = frame[1:]
	case frameLZ4:
		size, n := binary.Uvarint(frame[1:])
		if n <= 0 || size == 0 || size > maxSnapshotBytes {
			return nil, ErrBadFrame
		}
		body = make([]byte, size)
		got, err := lz4.UncompressBlock(frame[1+n:], body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if uint64(got) != size {
			return nil, ErrBadFrame
		}
	default:
		return nil, ErrBadFrame
	}
	var s Snapshot
	if err := unmarshalMsgpack(body, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// SnapshotDigest hashes the msgpack form of s. Two simulations fed the same
// seed and inputs produce equal digests tick for tick.
func SnapshotDigest(s *Snapshot) (uint64, error) {
	body, err := marshalMsgpack(s)
	if err != nil {
		return 0, err
	}
	return xxh3.Hash(body), nil
}
