// Package primitives implements the wire-level building blocks shared by
// every other component: hashes, compact targets, double-SHA256, and
// Merkle trees.
package primitives

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash256 is a 32-byte double-SHA256 digest, stored internally in the
// little-endian (in-memory) byte order Bitcoin uses for hashing and
// comparison, not the big-endian order used for display.
type Hash256 = chainhash.Hash

// HashFromHex parses a big-endian display-order hex string (as printed by
// block explorers and RPC responses) into internal byte order.
func HashFromHex(s string) (Hash256, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return Hash256{}, err
	}
	return *h, nil
}

// HashFromBytes copies 32 already-internal-order bytes into a Hash256.
func HashFromBytes(b []byte) (Hash256, error) {
	h, err := chainhash.NewHash(b)
	if err != nil {
		return Hash256{}, err
	}
	return *h, nil
}

// Less reports whether h is numerically smaller than other when both are
// interpreted as 256-bit little-endian unsigned integers. Used to compare a
// candidate block hash against a target.
func Less(h, other Hash256) bool {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// HexString is a convenience alias used across the codebase for readability
// at call sites that pass around display-order hex rather than raw bytes.
type HexString = string

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
