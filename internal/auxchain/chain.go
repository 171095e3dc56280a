// Package auxchain models the set of merge-mined auxiliary chains as a
// uniform value table: no inheritance hierarchy for chains, a per-chain
// driver supplies the create-block-template and submit-block callables. A
// `Chain` is data plus two function fields, never a type implementing some
// Chain interface. The table itself is a plain slice owned by whatever
// composition root builds it from config; there is no package-level
// registry.
package auxchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/merged"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// Candidate is one aux chain's current block-to-be-committed, fetched from
// that chain's own node ahead of merged-mining commitment assembly.
type Candidate struct {
	ChainID   uint32
	BlockHash primitives.Hash256
	RawBlock  []byte // the aux chain's own block bytes, minus its own PoW header fields the AuxPow will supply
}

// Chain is one auxiliary chain's driver: identity, its own target, and two
// RPC-backed callables. FetchCandidate is polled alongside the
// Bitcoin-side template refresh; Submit is called once per dispatched
// aux-PoW win.
type Chain struct {
	ID          uint32
	Name        string
	RPCEndpoint string
	Target      *big.Int

	FetchCandidate func(ctx context.Context) (Candidate, error)
	Submit         func(ctx context.Context, proof merged.AuxPow, candidate Candidate) error
}

// AuxBlocks converts a chain table's current candidates into the
// []merged.AuxBlock shape commitment.Build consumes, by calling
// FetchCandidate for every chain. A chain whose fetch fails is skipped
// (merged-mining degrades to fewer committed chains rather than blocking
// the Bitcoin-side template on one aux chain's node being unreachable).
func AuxBlocks(ctx context.Context, chains []Chain) ([]merged.AuxBlock, map[uint32]Candidate) {
	blocks := make([]merged.AuxBlock, 0, len(chains))
	candidates := make(map[uint32]Candidate, len(chains))

	for _, c := range chains {
		cand, err := c.FetchCandidate(ctx)
		if err != nil {
			continue
		}
		cand.ChainID = c.ID
		candidates[c.ID] = cand
		blocks = append(blocks, merged.AuxBlock{ChainID: c.ID, BlockHash: cand.BlockHash})
	}
	return blocks, candidates
}

// Dispatch runs once a Bitcoin block has been found: for every aux chain
// whose last-fetched candidate hash meets that chain's own (easier)
// target, assemble its aux-PoW proof and hand it to that chain's Submit
// callable. Chains whose candidate missed their target receive nothing, so
// a two-chain win can leave one chain committed and the other not.
func Dispatch(ctx context.Context, chains []Chain, commitment *merged.Commitment, candidates map[uint32]Candidate, parentHeader header.Header, parentCoinbaseRaw []byte, parentMerkleProof []primitives.Hash256) []error {
	var errs []error

	for _, c := range chains {
		cand, ok := candidates[c.ID]
		if !ok {
			continue
		}
		if !primitives.MeetsTarget(cand.BlockHash, c.Target) {
			continue
		}

		branch, slot, err := commitment.ProofFor(c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("auxchain %s: %w", c.Name, err))
			continue
		}

		proof := merged.AuxPow{
			ParentHeader:      parentHeader,
			ParentCoinbaseRaw: parentCoinbaseRaw,
			ParentMerkleProof: parentMerkleProof,
			AuxMerkleProof:    branch,
			AuxSlotIndex:      slot,
			ChainID:           c.ID,
		}

		if err := c.Submit(ctx, proof, cand); err != nil {
			errs = append(errs, fmt.Errorf("auxchain %s: submit: %w", c.Name, err))
		}
	}

	return errs
}

// ParentFromFoundBlock splits a share validator's assembled block
// (internal/share.Result.BlockRaw: 80-byte header || compact-size tx count
// || coinbase bytes, per internal/share.Validator.assembleBlock) back into
// the header and coinbase Dispatch needs, so the composition root's
// OnBlockFound callback doesn't have to know that layout itself.
func ParentFromFoundBlock(raw []byte) (header.Header, []byte, error) {
	const headerLen = 80
	if len(raw) < headerLen+1 {
		return header.Header{}, nil, fmt.Errorf("auxchain: found-block payload too short")
	}
	hdr, err := header.ParseHeader(raw[:headerLen])
	if err != nil {
		return header.Header{}, nil, fmt.Errorf("auxchain: parse parent header: %w", err)
	}

	rest := raw[headerLen:]
	skip, err := compactSizeLen(rest)
	if err != nil {
		return header.Header{}, nil, fmt.Errorf("auxchain: parse tx count: %w", err)
	}
	return hdr, rest[skip:], nil
}

// compactSizeLen returns how many leading bytes of b encode a Bitcoin
// compact-size integer, without needing its value.
func compactSizeLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty compact-size prefix")
	}
	switch {
	case b[0] < 0xfd:
		return 1, nil
	case b[0] == 0xfd:
		return 3, nil
	case b[0] == 0xfe:
		return 5, nil
	default:
		return 9, nil
	}
}
