package job

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLedgerNeverRepeatsAcrossConnections(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		calls := rapid.IntRange(1, 500).Draw(t, "calls")
		l := NewLedger(8)

		seen := make(map[uint64]bool, calls)
		var last uint64
		for i := 0; i < calls; i++ {
			v := l.Allocate(fmt.Sprintf("conn-%d", i))
			require.Len(t, v, 8)
			n := binary.BigEndian.Uint64(v)
			require.False(t, seen[n], "extranonce %x reused", n)
			seen[n] = true
			if i > 0 {
				require.Greater(t, n, last)
			}
			last = n
		}
	})
}

func TestLedgerAllocateIsStablePerConnection(t *testing.T) {
	l := NewLedger(8)
	first := l.Allocate("conn-a")
	other := l.Allocate("conn-b")
	require.NotEqual(t, first, other)

	again := l.Allocate("conn-a")
	require.Equal(t, first, again)
}

func TestLedgerReleaseDoesNotReissueValue(t *testing.T) {
	l := NewLedger(8)
	first := l.Allocate("conn-a")
	l.Release("conn-a")

	next := l.Allocate("conn-b")
	require.NotEqual(t, first, next)
}

func TestLedgerSizeHonored(t *testing.T) {
	l := NewLedger(4)
	v := l.Allocate("conn-a")
	require.Len(t, v, 4)
	require.Equal(t, 4, l.Size())
}
