package job

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/template"
)

func newTestTemplate(t *testing.T, height int64) *template.Template {
	t.Helper()
	cb, err := header.BuildCoinbase(header.CoinbaseSpec{
		Height:         height,
		CoinbaseTag:    []byte("quaxis"),
		ExtranonceSize: 8,
		PayoutProgram:  make([]byte, 20),
		CoinbaseValue:  625000000,
	})
	require.NoError(t, err)

	target, err := primitives.Bits(0x1d00ffff).ToTarget()
	require.NoError(t, err)

	return &template.Template{
		Height:   uint32(height),
		PrevHash: primitives.Hash256{0x01},
		Bits:     0x1d00ffff,
		Target:   target,
		Coinbase: cb,
	}
}

func TestCreateJobGivesEachConnectionItsOwnExtranonce(t *testing.T) {
	m := New(8, 10)
	tmpl := newTestTemplate(t, 800000)

	jA, err := m.CreateJob(tmpl, "conn-a")
	require.NoError(t, err)
	jB, err := m.CreateJob(tmpl, "conn-b")
	require.NoError(t, err)

	require.NotEqual(t, jA.ID, jB.ID)
	require.NotEqual(t, jA.Extranonce, jB.Extranonce)
	require.NotEqual(t, jA.MerkleRoot, jB.MerkleRoot)
}

func TestCreateJobReusesExtranonceAcrossTemplates(t *testing.T) {
	m := New(8, 10)
	tmplA := newTestTemplate(t, 800000)
	tmplB := newTestTemplate(t, 800001)

	j1, err := m.CreateJob(tmplA, "conn-a")
	require.NoError(t, err)
	j2, err := m.CreateJob(tmplB, "conn-a")
	require.NoError(t, err)

	require.Equal(t, j1.Extranonce, j2.Extranonce)
	require.NotEqual(t, j1.ID, j2.ID)
}

func TestMarkAllStaleFlagsExistingJobs(t *testing.T) {
	m := New(8, 10)
	tmpl := newTestTemplate(t, 800000)

	j, err := m.CreateJob(tmpl, "conn-a")
	require.NoError(t, err)
	require.False(t, j.Stale())

	m.MarkAllStale()
	require.True(t, j.Stale())
}

func TestManagerEvictsOldestJobPastCap(t *testing.T) {
	m := New(8, 2)
	tmpl := newTestTemplate(t, 800000)

	j1, err := m.CreateJob(tmpl, "conn-a")
	require.NoError(t, err)
	_, err = m.CreateJob(tmpl, "conn-b")
	require.NoError(t, err)
	_, err = m.CreateJob(tmpl, "conn-c")
	require.NoError(t, err)

	_, ok := m.Get(j1.ID)
	require.False(t, ok, "oldest job should have been evicted")
}
