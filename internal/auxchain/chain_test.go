package auxchain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/merged"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

var errFetchFailed = errors.New("aux node unreachable")

// easyTarget is close to the maximum 256-bit value: nearly any hash meets it.
func easyTarget() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}

// hardTarget is tiny: only a hash that is almost entirely zero bytes meets it.
func hardTarget() *big.Int {
	return big.NewInt(0xff)
}

func chainWithCandidate(id uint32, target *big.Int, hash primitives.Hash256) Chain {
	return Chain{
		ID:     id,
		Name:   "test",
		Target: target,
		FetchCandidate: func(ctx context.Context) (Candidate, error) {
			return Candidate{ChainID: id, BlockHash: hash}, nil
		},
	}
}

func TestAuxBlocksSkipsFailingFetch(t *testing.T) {
	good := chainWithCandidate(1, easyTarget(), primitives.Hash256{0x01})
	bad := Chain{
		ID: 2,
		FetchCandidate: func(ctx context.Context) (Candidate, error) {
			return Candidate{}, errFetchFailed
		},
	}

	blocks, candidates := AuxBlocks(context.Background(), []Chain{good, bad})
	require.Len(t, blocks, 1)
	require.Equal(t, uint32(1), blocks[0].ChainID)
	require.Len(t, candidates, 1)
	_, ok := candidates[2]
	require.False(t, ok, "a chain whose fetch failed must not appear in the candidate map")
}

func TestDispatchOnlySubmitsChainsMeetingTheirOwnTarget(t *testing.T) {
	easyHash := primitives.Hash256{} // all-zero hash trivially meets any target
	hardHash := primitives.Hash256{}
	for i := range hardHash {
		hardHash[i] = 0xff
	}

	var submittedA, submittedB bool
	chainA := chainWithCandidate(1, easyTarget(), easyHash)
	chainA.Submit = func(ctx context.Context, proof merged.AuxPow, cand Candidate) error {
		submittedA = true
		return nil
	}
	chainB := chainWithCandidate(2, hardTarget(), hardHash)
	chainB.Submit = func(ctx context.Context, proof merged.AuxPow, cand Candidate) error {
		submittedB = true
		return nil
	}

	chains := []Chain{chainA, chainB}
	blocks, candidates := AuxBlocks(context.Background(), chains)
	require.Len(t, blocks, 2)

	commitment, err := merged.Build(blocks, 1)
	require.NoError(t, err)

	errs := Dispatch(context.Background(), chains, commitment, candidates, header.Header{}, []byte{0x01, 0x02}, nil)
	require.Empty(t, errs)
	require.True(t, submittedA, "chain A's candidate meets its easy target and must be submitted")
	require.False(t, submittedB, "chain B's candidate misses its hard target and must not be submitted")
}

func TestDispatchSkipsChainsMissingFromCandidateMap(t *testing.T) {
	chainA := chainWithCandidate(1, easyTarget(), primitives.Hash256{})
	chains := []Chain{chainA}

	commitment, err := merged.Build([]merged.AuxBlock{{ChainID: 1, BlockHash: primitives.Hash256{}}}, 1)
	require.NoError(t, err)

	errs := Dispatch(context.Background(), chains, commitment, map[uint32]Candidate{}, header.Header{}, nil, nil)
	require.Empty(t, errs)
}
