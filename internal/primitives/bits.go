package primitives

import (
	"errors"
	"math/big"
)

// ErrInvalidBits is returned by Bits.ToTarget when the encoded word has its
// sign bit set. The reference node software tolerates this (it simply
// produces a negative-looking target that downstream comparisons happen to
// reject anyway); Quaxis rejects it at the decode boundary instead, since a
// "target" that isn't a valid unsigned value has no business reaching a
// share comparison at all.
var ErrInvalidBits = errors.New("primitives: compact target has sign bit set")

// Bits is the compact ("nBits") encoding of a proof-of-work target: the top
// byte is a base-256 exponent, the low three bytes are the mantissa.
type Bits uint32

// ToTarget expands the compact encoding into a full 256-bit target.
func (b Bits) ToTarget() (*big.Int, error) {
	word := uint32(b)
	if word&0x00800000 != 0 {
		return nil, ErrInvalidBits
	}

	exponent := word >> 24
	mantissa := word & 0x007fffff

	target := new(big.Int).SetUint64(uint64(mantissa))
	switch {
	case exponent <= 3:
		target.Rsh(target, uint(8*(3-exponent)))
	default:
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target, nil
}

// FromTarget compresses a full-width target back into the compact encoding,
// the inverse of ToTarget. Used when Quaxis needs to report a derived
// target (e.g. the merged-mining per-chain target) in wire form.
func FromTarget(target *big.Int) Bits {
	if target.Sign() <= 0 {
		return 0
	}

	raw := target.Bytes()
	size := uint32(len(raw))

	var mantissa uint32
	switch {
	case size <= 3:
		for _, v := range raw {
			mantissa = mantissa<<8 | uint32(v)
		}
		mantissa <<= 8 * (3 - size)
	default:
		mantissa = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	}

	// If the high bit of the mantissa would be read back as a sign bit,
	// shift one byte into the exponent to keep it clear.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}

	return Bits(size<<24 | mantissa)
}

// Pdiff1Target is the difficulty-1 target used to express a share's
// difficulty as a ratio against the easiest possible target.
func Pdiff1Target() *big.Int {
	target, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return target
}

// Difficulty converts a target into its difficulty ratio relative to
// Pdiff1Target.
func Difficulty(target *big.Int) *big.Float {
	if target.Sign() <= 0 {
		return big.NewFloat(0)
	}
	num := new(big.Float).SetInt(Pdiff1Target())
	den := new(big.Float).SetInt(target)
	return new(big.Float).Quo(num, den)
}

// MeetsTarget reports whether hash, read as a little-endian unsigned
// integer, is numerically less than or equal to target.
func MeetsTarget(hash Hash256, target *big.Int) bool {
	// Hash256 is stored internal (little-endian) order; big.Int wants
	// big-endian bytes, so reverse on the way in.
	be := make([]byte, len(hash))
	for i, v := range hash {
		be[len(hash)-1-i] = v
	}
	hashInt := new(big.Int).SetBytes(be)
	return hashInt.Cmp(target) <= 0
}
