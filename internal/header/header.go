// Package header builds the 80-byte Bitcoin block header and the coinbase
// transaction that backs it, preserving the stable-prefix property the hot
// path relies on: the first 64 bytes of the coinbase never change when only
// the extranonce varies, so its SHA-256 midstate is computed once per
// template and reused for every job minted from it.
package header

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/quaxis-io/quaxis/internal/primitives"
)

func unixTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0)
}

// Header mirrors the 80-byte wire layout: version(4) || prev_hash(32) ||
// merkle_root(32) || timestamp(4) || bits(4) || nonce(4), all little-endian.
type Header struct {
	Version    int32
	PrevHash   primitives.Hash256
	MerkleRoot primitives.Hash256
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// Serialize encodes the header to its canonical 80 bytes using btcd's wire
// codec, which already implements this exact field layout.
func (h Header) Serialize() [80]byte {
	wh := wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  unixTime(h.Timestamp),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
	var buf bytes.Buffer
	buf.Grow(80)
	if err := wh.Serialize(&buf); err != nil {
		panic(err) // fixed-size buffer write; cannot fail
	}
	var out [80]byte
	copy(out[:], buf.Bytes())
	return out
}

// Hash computes the block hash: SHA-256d of the 80-byte serialization.
func (h Header) Hash() primitives.Hash256 {
	raw := h.Serialize()
	return primitives.Sha256d(raw[:])
}

// Midstate computes the SHA-256 midstate over the header's first 64 bytes
// (version, prev_hash and the first 28 bytes of the Merkle root), and Tail
// returns the remaining 16 bytes: the last 4 bytes of the Merkle root, the
// timestamp, the bits, and the nonce.
//
// The first 12 bytes of that tail are the job's `header_tail` field: the
// ASIC appends its own nonce and finishes the digest from the precomputed
// midstate. The version field lies in the first 64 bytes, so a
// version-rolled header needs a fresh midstate.
func (h Header) Midstate() primitives.Midstate {
	raw := h.Serialize()
	return primitives.MidstateFrom64(raw[:64])
}

func (h Header) Tail() [16]byte {
	raw := h.Serialize()
	var tail [16]byte
	copy(tail[:], raw[64:80])
	return tail
}

// FinishFromTail recomputes the header hash given a precomputed midstate and
// the final 16-byte tail, without re-serializing or re-hashing the stable
// first 64 bytes. This is the function the share validator calls on every
// submitted nonce.
func FinishFromTail(mid primitives.Midstate, tail []byte) primitives.Hash256 {
	return primitives.FinishSha256d(mid, tail)
}

// ParseHeader is Serialize's inverse: it decodes the leading 80 bytes of a
// found block back into a Header, the shape internal/auxchain needs to
// attach a found Bitcoin block's header to an aux-chain submission.
func ParseHeader(raw []byte) (Header, error) {
	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(raw)); err != nil {
		return Header{}, err
	}
	return Header{
		Version:    wh.Version,
		PrevHash:   primitives.Hash256(wh.PrevBlock),
		MerkleRoot: primitives.Hash256(wh.MerkleRoot),
		Timestamp:  uint32(wh.Timestamp.Unix()),
		Bits:       wh.Bits,
		Nonce:      wh.Nonce,
	}, nil
}
