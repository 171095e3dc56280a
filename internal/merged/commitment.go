// Package merged builds and verifies the merged-mining commitment Quaxis
// splices into its own coinbase: an aux Merkle tree over every registered
// auxiliary chain's block hash, committed via the 44-byte marker
// internal/header.BuildAuxMarker assembles.
package merged

import (
	"encoding/binary"
	"fmt"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// AuxBlock is one auxiliary chain's candidate block to be committed.
type AuxBlock struct {
	ChainID   uint32
	BlockHash primitives.Hash256
}

// Commitment is the assembled merged-mining state for one Bitcoin
// coinbase: the aux Merkle root over every registered chain's block hash,
// plus enough bookkeeping to recover each chain's slot later.
type Commitment struct {
	Root        primitives.Hash256
	TreeSize    uint32
	MerkleNonce uint32
	slots       map[uint32]int // chainID -> leaf index
	leaves      []primitives.Hash256
}

// treeSizeFor returns the smallest power of two at least n, the aux tree's
// required shape: tree size is always a power of two, padded with zero
// hashes.
func treeSizeFor(n int) uint32 {
	size := uint32(1)
	for int(size) < n {
		size <<= 1
	}
	if size == 0 {
		size = 1
	}
	return size
}

// slotFor computes the Merkle tree leaf index a chain occupies. Plain
// (chain_id * merkle_nonce) mod tree_size only depends on the product's low
// bits once tree_size is a power of two, so it collapses many chain/nonce
// combinations onto the same slot; the LCG mixing step below (shared by
// every known AuxPow implementation) spreads chain_id and merkle_nonce
// across the full 32 bits before the reduction.
func slotFor(chainID, merkleNonce, treeSize uint32) uint32 {
	rand := merkleNonce
	rand = rand*1103515245 + 12345
	rand += chainID
	rand = rand*1103515245 + 12345
	return rand % treeSize
}

// maxNonceSearch bounds how many sequential merkle nonces Build tries
// before giving up on a collision-free slot assignment.
const maxNonceSearch = 1024

// Build assembles a Commitment from the current set of auxiliary block
// candidates. startNonce is the first merkle nonce tried; Build searches
// sequential nonces from there until every chain lands on a distinct slot,
// since a fixed nonce can collide for an arbitrary set of registered chain
// ids.
func Build(blocks []AuxBlock, startNonce uint32) (*Commitment, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("merged: no auxiliary chains registered")
	}

	seenIDs := make(map[uint32]bool, len(blocks))
	for _, b := range blocks {
		if seenIDs[b.ChainID] {
			return nil, fmt.Errorf("merged: chain %d registered twice", b.ChainID)
		}
		seenIDs[b.ChainID] = true
	}

	treeSize := treeSizeFor(len(blocks))

	for attempt := 0; attempt < maxNonceSearch; attempt++ {
		nonce := startNonce + uint32(attempt)
		leaves := make([]primitives.Hash256, treeSize)
		slots := make(map[uint32]int, len(blocks))

		collision := false
		for _, b := range blocks {
			slot := slotFor(b.ChainID, nonce, treeSize)
			if leaves[slot] != (primitives.Hash256{}) {
				collision = true
				break
			}
			leaves[slot] = b.BlockHash
			slots[b.ChainID] = int(slot)
		}
		if collision {
			continue
		}

		root := primitives.MerkleRoot(leaves)
		return &Commitment{
			Root:        root,
			TreeSize:    treeSize,
			MerkleNonce: nonce,
			slots:       slots,
			leaves:      leaves,
		}, nil
	}

	return nil, fmt.Errorf("merged: no collision-free merkle nonce found for %d chains within %d attempts", len(blocks), maxNonceSearch)
}

// Marker returns the 44-byte coinbase marker for this commitment, ready to
// splice into a header.CoinbaseSpec.AuxMarker.
func (c *Commitment) Marker() []byte {
	m := header.BuildAuxMarker(c.Root, c.TreeSize, c.MerkleNonce)
	return m[:]
}

// ProofFor returns the Merkle branch a given chain needs to prove its
// block hash is committed in Root, along with its leaf index.
func (c *Commitment) ProofFor(chainID uint32) ([]primitives.Hash256, uint32, error) {
	slot, ok := c.slots[chainID]
	if !ok {
		return nil, 0, fmt.Errorf("merged: chain %d not part of this commitment", chainID)
	}
	return branchAtIndex(c.leaves, uint32(slot)), uint32(slot), nil
}

// branchAtIndex recomputes the authentication path for an arbitrary leaf
// index, since primitives.MerkleBranch only supports index 0 (the
// coinbase-txid convention the rest of the module uses).
func branchAtIndex(leaves []primitives.Hash256, index uint32) []primitives.Hash256 {
	var branch []primitives.Hash256
	level := append([]primitives.Hash256{}, leaves...)
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if idx%2 == 0 {
			branch = append(branch, level[idx+1])
		} else {
			branch = append(branch, level[idx-1])
		}
		next := make([]primitives.Hash256, len(level)/2)
		for i := range next {
			next[i] = combinePair(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}
	return branch
}

func combinePair(left, right primitives.Hash256) primitives.Hash256 {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return primitives.Sha256d(buf[:])
}

// ExtractMarker parses a 44-byte marker out of a coinbase scriptSig,
// returning the aux root, tree size, and merkle nonce it commits to. Used
// by an aux-chain's own validator to recover the commitment from a
// Bitcoin (or Bitcoin-compatible) block it is verifying merge-mined work
// against.
func ExtractMarker(scriptSig []byte) (root primitives.Hash256, treeSize, merkleNonce uint32, err error) {
	idx := indexOfMagic(scriptSig)
	if idx == -1 {
		return root, 0, 0, fmt.Errorf("merged: aux marker not found in coinbase scriptSig")
	}
	if len(scriptSig) < idx+header.AuxMarkerLen {
		return root, 0, 0, fmt.Errorf("merged: truncated aux marker")
	}
	m := scriptSig[idx : idx+header.AuxMarkerLen]
	copy(root[:], m[4:36])
	treeSize = binary.LittleEndian.Uint32(m[36:40])
	merkleNonce = binary.LittleEndian.Uint32(m[40:44])
	return root, treeSize, merkleNonce, nil
}

func indexOfMagic(b []byte) int {
	magic := []byte{0xFA, 0xBE, 0x6D, 0x6D}
	for i := 0; i+4 <= len(b); i++ {
		if b[i] == magic[0] && b[i+1] == magic[1] && b[i+2] == magic[2] && b[i+3] == magic[3] {
			return i
		}
	}
	return -1
}
