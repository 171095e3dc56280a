// Package fec reassembles a block from lossy FIBRE-style UDP chunks: N
// data chunks plus M XOR-parity chunks, any N of which suffice to recover
// the full payload. The recovery algorithm is plain XOR-subset recovery,
// not Reed-Solomon.
package fec

import (
	"encoding/binary"
	"errors"

	"github.com/quaxis-io/quaxis/internal/primitives"
)

// Magic identifies a FIBRE-style relay chunk on the wire.
var Magic = [4]byte{0xFB, 0x12, 0xBE, 0x01}

// HeaderSize is the fixed portion of a Chunk before its payload.
const HeaderSize = 4 + 1 + 1 + 2 + 4 + 32 + 2 + 2 + 2

// Chunk is one FIBRE UDP frame: magic(4) || version(1) || flags(1) ||
// chunk_id(2) || block_height(4) || block_hash(32) || total_chunks(2) ||
// data_chunks(2) || payload_size(2) || payload.
type Chunk struct {
	Version      byte
	Flags        byte
	ChunkID      uint16
	BlockHeight  uint32
	BlockHash    primitives.Hash256
	TotalChunks  uint16
	DataChunks   uint16
	Payload      []byte
}

var ErrTruncatedChunk = errors.New("fec: truncated chunk frame")
var ErrBadMagic = errors.New("fec: bad magic number")

// ParseChunk decodes a wire frame into a Chunk.
func ParseChunk(buf []byte) (Chunk, error) {
	if len(buf) < HeaderSize {
		return Chunk{}, ErrTruncatedChunk
	}
	if [4]byte(buf[0:4]) != Magic {
		return Chunk{}, ErrBadMagic
	}
	var c Chunk
	c.Version = buf[4]
	c.Flags = buf[5]
	c.ChunkID = binary.LittleEndian.Uint16(buf[6:8])
	c.BlockHeight = binary.LittleEndian.Uint32(buf[8:12])
	copy(c.BlockHash[:], buf[12:44])
	c.TotalChunks = binary.LittleEndian.Uint16(buf[44:46])
	c.DataChunks = binary.LittleEndian.Uint16(buf[46:48])
	size := binary.LittleEndian.Uint16(buf[48:50])
	if len(buf) < HeaderSize+int(size) {
		return Chunk{}, ErrTruncatedChunk
	}
	c.Payload = buf[HeaderSize : HeaderSize+int(size)]
	return c, nil
}

// Encode serializes c back to wire form. Used by tests and by any future
// relay sender; the hot path only ever parses incoming chunks.
func (c Chunk) Encode() []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	copy(buf[0:4], Magic[:])
	buf[4] = c.Version
	buf[5] = c.Flags
	binary.LittleEndian.PutUint16(buf[6:8], c.ChunkID)
	binary.LittleEndian.PutUint32(buf[8:12], c.BlockHeight)
	copy(buf[12:44], c.BlockHash[:])
	binary.LittleEndian.PutUint16(buf[44:46], c.TotalChunks)
	binary.LittleEndian.PutUint16(buf[46:48], c.DataChunks)
	binary.LittleEndian.PutUint16(buf[48:50], uint16(len(c.Payload)))
	copy(buf[50:], c.Payload)
	return buf
}

// IsParity reports whether chunk_id lies in the parity range [data_chunks,
// total_chunks).
func (c Chunk) IsParity() bool {
	return c.ChunkID >= c.DataChunks
}
