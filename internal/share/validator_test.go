package share

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/quaxerr"
	"github.com/quaxis-io/quaxis/internal/template"
)

func newTestJob(t *testing.T) (*job.Manager, *job.Job) {
	t.Helper()
	cb, err := header.BuildCoinbase(header.CoinbaseSpec{
		Height:         800000,
		CoinbaseTag:    []byte("quaxis"),
		ExtranonceSize: 8,
		PayoutProgram:  make([]byte, 20),
		CoinbaseValue:  625000000,
	})
	require.NoError(t, err)

	target, err := primitives.Bits(0x1d00ffff).ToTarget()
	require.NoError(t, err)

	tmpl := &template.Template{
		Height:   800001,
		PrevHash: primitives.Hash256{0x01},
		Bits:     0x1d00ffff,
		Target:   target,
		Coinbase: cb,
		TxCount:  0,
	}

	jm := job.New(8, 10)
	j, err := jm.CreateJob(tmpl, "conn-1")
	require.NoError(t, err)
	return jm, j
}

func TestValidatorRejectsUnknownJob(t *testing.T) {
	jm, _ := newTestJob(t)
	v := New(jm)

	_, err := v.Validate(Submission{JobID: "does-not-exist"})
	require.ErrorIs(t, err, quaxerr.ErrInvalidJobID)
}

func TestValidatorRejectsDuplicateShare(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	sub := Submission{JobID: j.ID, Ntime: 1234, Nonce: 5678}

	_, err := v.Validate(sub)
	require.NoError(t, err)

	_, err = v.Validate(sub)
	require.ErrorIs(t, err, quaxerr.ErrDuplicateShare)
}

func TestValidatorDistinguishesNonceFromDuplicate(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	_, err := v.Validate(Submission{JobID: j.ID, Ntime: 1, Nonce: 1})
	require.NoError(t, err)

	_, err = v.Validate(Submission{JobID: j.ID, Ntime: 1, Nonce: 2})
	require.NoError(t, err)
}

func TestValidatorRejectsStaleJob(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	jm.MarkAllStale()

	_, err := v.Validate(Submission{JobID: j.ID, Ntime: 1, Nonce: 1})
	require.ErrorIs(t, err, quaxerr.ErrStaleWork)
}

func TestValidatorMidstateFastPathMatchesFullHash(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	sub := Submission{JobID: j.ID, Ntime: j.Ntime, Nonce: 42}

	result, err := v.Validate(sub)
	require.NoError(t, err)

	want := header.Header{
		Version:    job.BaseVersion,
		PrevHash:   j.Template.PrevHash,
		MerkleRoot: j.MerkleRoot,
		Timestamp:  sub.Ntime,
		Bits:       j.Template.Bits,
		Nonce:      sub.Nonce,
	}.Hash()

	require.Equal(t, want, result.BlockHash, "the precomputed-midstate fast path must agree with a from-scratch header hash")
}

func TestValidatorDistinguishesOverlappingBitPatterns(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	// nonce=0x10000 with versionBits=1 and nonce=0 with versionBits=0 used
	// to collide under the old bit-packed dedup key.
	_, err := v.Validate(Submission{JobID: j.ID, Ntime: 1, Nonce: 0x10000, VersionBits: 1, VersionMask: 0xffffffff})
	require.NoError(t, err)

	_, err = v.Validate(Submission{JobID: j.ID, Ntime: 1, Nonce: 0, VersionBits: 0})
	require.NoError(t, err)
}

func TestDupeSetEvictsOldestTenPercentWhenFull(t *testing.T) {
	d := newDupeSet()

	for i := uint32(0); i < maxDupesPerJob; i++ {
		require.False(t, d.checkAndAdd(dupeKey{nonce: i}))
	}
	require.Len(t, d.seen, maxDupesPerJob)

	// One more insert should evict the oldest ~10% rather than growing
	// unbounded.
	require.False(t, d.checkAndAdd(dupeKey{nonce: maxDupesPerJob}))
	require.Less(t, len(d.seen), maxDupesPerJob+1)

	evicted := dupeKey{nonce: 0}
	require.False(t, d.checkAndAdd(evicted), "oldest entry should have been evicted and is no longer a duplicate")
}

func TestValidatorPruneRemovesNonKeptJobs(t *testing.T) {
	jm, j := newTestJob(t)
	v := New(jm)

	sub := Submission{JobID: j.ID, Ntime: 1, Nonce: 1}
	_, err := v.Validate(sub)
	require.NoError(t, err)

	v.Prune(map[string]bool{}) // drop everything

	_, err = v.Validate(sub)
	require.NoError(t, err) // dedup set was pruned, so this isn't a duplicate anymore
}
