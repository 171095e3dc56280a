package primitives

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBitsToTargetRejectsSignBit(t *testing.T) {
	_, err := Bits(0x01800000).ToTarget()
	require.ErrorIs(t, err, ErrInvalidBits)
}

func TestBitsToTargetKnownValues(t *testing.T) {
	// Genesis block bits for Bitcoin mainnet.
	target, err := Bits(0x1d00ffff).ToTarget()
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	require.Equal(t, 0, target.Cmp(want))
}

func TestBitsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		exponent := rapid.Uint32Range(3, 0x1e).Draw(t, "exponent")
		mantissa := rapid.Uint32Range(0, 0x007fffff).Draw(t, "mantissa")
		bits := Bits(exponent<<24 | mantissa)

		target, err := bits.ToTarget()
		require.NoError(t, err)

		back := FromTarget(target)
		backTarget, err := back.ToTarget()
		require.NoError(t, err)

		require.Equal(t, 0, target.Cmp(backTarget))
	})
}

func TestMeetsTarget(t *testing.T) {
	target := big.NewInt(0x10000)
	low := Hash256{0x01}
	require.True(t, MeetsTarget(low, target))

	high := Hash256{}
	for i := range high {
		high[i] = 0xff
	}
	require.False(t, MeetsTarget(high, target))
}
