package primitives

import (
	"crypto/sha256"
	"encoding"

	simd "github.com/minio/sha256-simd"
)

// Sha256d computes the double-SHA256 digest Bitcoin uses throughout: block
// headers, transaction ids, and Merkle nodes all hash this way.
func Sha256d(data []byte) Hash256 {
	first := simd.Sum256(data)
	second := simd.Sum256(first[:])
	return Hash256(second)
}

// Midstate is the serialized internal state of a SHA-256 hasher after
// processing the first 64-byte block of a message. ASICs that implement the
// stable-prefix optimization (spec component A) resume hashing from this
// point instead of restarting from scratch for every nonce/extranonce
// trial, since the first block of a block header digest never changes once
// the coinbase is fixed.
//
// crypto/sha256's hash.Hash implementation satisfies encoding.BinaryMarshaler,
// which is the only portable way to capture and resume mid-digest state
// without reimplementing the compression function by hand; no third-party
// library in use elsewhere in this module exposes anything more direct
// (sha256-simd's public surface is finish-to-finish, like the standard
// library's one-shot Sum256).
type Midstate []byte

// MidstateFrom64 computes the SHA-256 midstate after compressing exactly one
// 64-byte block. data must be exactly sha256.BlockSize bytes.
func MidstateFrom64(data []byte) Midstate {
	if len(data) != sha256.BlockSize {
		panic("primitives: MidstateFrom64 requires exactly one 64-byte block")
	}
	h := sha256.New()
	h.Write(data)
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err)
	}
	return state
}

// FinishSha256d completes a double-SHA256 digest given a precomputed
// midstate for the first 64 bytes and the remaining tail bytes (for an
// 80-byte block header, the final 16 bytes).
func FinishSha256d(mid Midstate, tail []byte) Hash256 {
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(mid); err != nil {
		panic(err)
	}
	h.Write(tail)
	var first [32]byte
	h.Sum(first[:0])
	second := simd.Sum256(first[:])
	return Hash256(second)
}
