package merged

import (
	"fmt"
	"math/big"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// AuxPow is the proof one auxiliary chain needs to accept a Bitcoin (or
// Bitcoin-compatible) block as its own proof-of-work: the parent block's
// header and coinbase, the coinbase's position in the parent's Merkle
// tree, and this chain's position in the aux Merkle tree committed inside
// that coinbase. Quaxis never tracks a sunset/hashrate policy; that is a
// consumer-chain concern.
type AuxPow struct {
	ParentHeader      header.Header
	ParentCoinbaseRaw []byte
	ParentMerkleProof []primitives.Hash256 // coinbase's path to the parent block's merkle root

	AuxMerkleProof []primitives.Hash256 // this chain's path to the aux root
	AuxSlotIndex   uint32
	ChainID        uint32
}

// Verify checks every step required to accept merge-mined work for one
// auxiliary chain's candidate block:
//  1. the parent header's own proof-of-work meets the aux chain's target;
//  2. the parent coinbase's txid folds up to the parent header's Merkle root
//     via ParentMerkleProof;
//  3. the aux marker extracted from that coinbase folds auxBlockHash up to
//     the committed aux root via AuxMerkleProof at AuxSlotIndex;
//  4. AuxSlotIndex is actually the slot ChainID was assigned when the
//     commitment was built, so a proof minted for one chain's slot can't be
//     relabeled and replayed as another chain's proof.
func (a *AuxPow) Verify(auxBlockHash primitives.Hash256, auxTarget *big.Int) error {
	parentHash := a.ParentHeader.Hash()
	if !primitives.MeetsTarget(parentHash, auxTarget) {
		return fmt.Errorf("merged: parent block %s does not meet aux chain target", parentHash)
	}

	coinbaseTxID := primitives.Sha256d(a.ParentCoinbaseRaw)
	computedParentRoot := primitives.ApplyMerkleBranch(coinbaseTxID, a.ParentMerkleProof)
	if computedParentRoot != a.ParentHeader.MerkleRoot {
		return fmt.Errorf("merged: coinbase merkle proof does not reach parent block's merkle root")
	}

	scriptSig, err := scriptSigFromCoinbase(a.ParentCoinbaseRaw)
	if err != nil {
		return fmt.Errorf("merged: %w", err)
	}
	auxRoot, treeSize, merkleNonce, err := ExtractMarker(scriptSig)
	if err != nil {
		return fmt.Errorf("merged: %w", err)
	}

	if expected := slotFor(a.ChainID, merkleNonce, treeSize); expected != a.AuxSlotIndex {
		return fmt.Errorf("merged: aux slot index %d does not match chain %d's assigned slot %d", a.AuxSlotIndex, a.ChainID, expected)
	}

	computedAuxRoot := applyBranchAtIndex(auxBlockHash, a.AuxMerkleProof, a.AuxSlotIndex)
	if computedAuxRoot != auxRoot {
		return fmt.Errorf("merged: aux merkle proof does not reach the committed aux root")
	}

	return nil
}

// applyBranchAtIndex folds leaf up through branch using the same
// even/odd-index sibling-order convention branchAtIndex produced it with.
func applyBranchAtIndex(leaf primitives.Hash256, branch []primitives.Hash256, index uint32) primitives.Hash256 {
	cur := leaf
	idx := index
	for _, sibling := range branch {
		if idx%2 == 0 {
			cur = combinePair(cur, sibling)
		} else {
			cur = combinePair(sibling, cur)
		}
		idx /= 2
	}
	return cur
}

// scriptSigFromCoinbase extracts the first input's scriptSig from a raw
// coinbase transaction, a thin non-validating parse (version, input count,
// null prevout, then a compact-size-prefixed scriptSig) sufficient for
// locating the aux marker; Quaxis never needs the rest of the coinbase's
// fields here.
func scriptSigFromCoinbase(raw []byte) ([]byte, error) {
	const prevoutAndCounts = 4 + 1 + 36 // version + input count + prevout
	if len(raw) < prevoutAndCounts+1 {
		return nil, fmt.Errorf("coinbase too short to contain a scriptSig")
	}
	lenByte := raw[prevoutAndCounts]
	if lenByte >= 0xfd {
		return nil, fmt.Errorf("scriptSig length uses multi-byte compact size, unsupported here")
	}
	start := prevoutAndCounts + 1
	end := start + int(lenByte)
	if end > len(raw) {
		return nil, fmt.Errorf("coinbase truncated before end of scriptSig")
	}
	return raw[start:end], nil
}
