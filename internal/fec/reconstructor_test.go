package fec

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/primitives"
)

func buildChunks(t *testing.T, blockHash primitives.Hash256, data [][]byte, parityGroups [][]uint16) []Chunk {
	t.Helper()
	n := uint16(len(data))
	m := uint16(len(parityGroups))
	total := n + m

	var chunks []Chunk
	for i, d := range data {
		chunks = append(chunks, Chunk{
			ChunkID:     uint16(i),
			BlockHash:   blockHash,
			TotalChunks: total,
			DataChunks:  n,
			Payload:     d,
		})
	}
	for i, group := range parityGroups {
		xor := make([]byte, len(data[0]))
		for _, id := range group {
			xorInto(xor, data[id])
		}
		chunks = append(chunks, Chunk{
			ChunkID:     n + uint16(i),
			BlockHash:   blockHash,
			TotalChunks: total,
			DataChunks:  n,
			Payload:     EncodeParityPayload(group, xor),
		})
	}
	return chunks
}

func TestReconstructFromAllDataChunks(t *testing.T) {
	blockHash := primitives.Sha256d([]byte("block A"))
	data := [][]byte{
		append(make([]byte, 80), []byte("rest-of-chunk-0")...),
		[]byte("chunk-1-payload-bytes"),
		[]byte("chunk-2-payload-bytes"),
	}

	r := New(10, time.Minute)

	var gotHeader [80]byte
	var headerSeen bool
	r.OnHeader = func(hash primitives.Hash256, h [80]byte) {
		headerSeen = true
		gotHeader = h
	}

	var gotPayload []byte
	var blockSeen bool
	r.OnBlock = func(hash primitives.Hash256, h [80]byte, payload []byte) {
		blockSeen = true
		gotPayload = payload
	}

	chunks := buildChunks(t, blockHash, data, nil)
	for _, c := range chunks {
		r.Ingest(c)
	}

	require.True(t, headerSeen)
	require.Equal(t, data[0][:80], gotHeader[:])
	require.True(t, blockSeen)

	var want []byte
	for _, d := range data {
		want = append(want, d...)
	}
	require.Equal(t, want, gotPayload)
}

func TestRecoversFromNOfNPlusMWithLoss(t *testing.T) {
	blockHash := primitives.Sha256d([]byte("block B"))
	chunkSize := 40
	n := 6
	data := make([][]byte, n)
	for i := range data {
		data[i] = make([]byte, chunkSize)
		rand.New(rand.NewSource(int64(i))).Read(data[i])
	}
	// One parity chunk per data chunk, each covering exactly that chunk
	// plus its neighbor, so any single missing data chunk is individually
	// recoverable from at least one parity equation.
	var groups [][]uint16
	for i := 0; i < n; i++ {
		groups = append(groups, []uint16{uint16(i), uint16((i + 1) % n)})
	}

	chunks := buildChunks(t, blockHash, data, groups)

	r := New(10, time.Minute)
	var reconstructed []byte
	r.OnBlock = func(hash primitives.Hash256, h [80]byte, payload []byte) {
		reconstructed = payload
	}

	// Drop 2 non-adjacent data chunks; each is the only missing member of
	// the parity chunk covering it and its lower neighbor, which recovers it.
	for _, c := range chunks {
		if c.ChunkID == 1 || c.ChunkID == 3 {
			continue
		}
		r.Ingest(c)
	}

	var want []byte
	for _, d := range data {
		want = append(want, d...)
	}
	require.Equal(t, want, reconstructed)
}

func TestIngestIsIdempotentAfterReconstruction(t *testing.T) {
	blockHash := primitives.Sha256d([]byte("block C"))
	data := [][]byte{make([]byte, 80), []byte("two")}
	chunks := buildChunks(t, blockHash, data, nil)

	r := New(10, time.Minute)
	blockCount := 0
	r.OnBlock = func(hash primitives.Hash256, h [80]byte, payload []byte) {
		blockCount++
	}

	for _, c := range chunks {
		r.Ingest(c)
	}
	require.Equal(t, 1, blockCount)

	// Replaying the same chunks must not re-emit.
	for _, c := range chunks {
		r.Ingest(c)
	}
	require.Equal(t, 1, blockCount)
}
