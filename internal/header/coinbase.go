package header

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/quaxis-io/quaxis/internal/primitives"
)

// prefixLen is the stable-prefix size: the coinbase's first 64 bytes must
// be byte-identical for any extranonce value, so its SHA-256 midstate can
// be precomputed once per template.
const prefixLen = 64

// fixedPreamble is everything before the scriptSig's variable-length
// content: version(4) || input count(1) || prevout(36) || scriptSig
// length byte(1).
const fixedPreamble = 4 + 1 + 36 + 1

// AuxMarkerLen is the 44-byte merged-mining commitment marker spliced into
// the scriptSig: 0xFABE6D6D || aux_merkle_root(32) || tree_size(4, LE) ||
// merkle_nonce(4, LE).
const AuxMarkerLen = 4 + 32 + 4 + 4

var auxMagic = [4]byte{0xFA, 0xBE, 0x6D, 0x6D}

// BuildAuxMarker assembles the 44-byte merged-mining marker.
func BuildAuxMarker(auxRoot primitives.Hash256, treeSize, merkleNonce uint32) [AuxMarkerLen]byte {
	var m [AuxMarkerLen]byte
	copy(m[0:4], auxMagic[:])
	copy(m[4:36], auxRoot[:])
	binary.LittleEndian.PutUint32(m[36:40], treeSize)
	binary.LittleEndian.PutUint32(m[40:44], merkleNonce)
	return m
}

// CoinbaseSpec carries every input the builder needs; aux marker is
// optional (nil when merged mining is inactive).
type CoinbaseSpec struct {
	Height          int64
	CoinbaseTag     []byte
	AuxMarker       []byte // exactly AuxMarkerLen bytes, or nil
	ExtranonceSize  int
	PayoutProgram   []byte // 20-byte witness program (P2WPKH)
	CoinbaseValue   int64
}

// Coinbase is a coinbase transaction split at the extranonce boundary:
// Prefix is the stable first 64 bytes (its midstate never needs
// recomputation), and Suffix is everything after the extranonce slice.
// WithExtranonce splices a given extranonce in to produce the full wire
// transaction.
type Coinbase struct {
	Prefix         [prefixLen]byte
	ExtranonceSize int
	Suffix         []byte
	Midstate       primitives.Midstate
}

// BuildCoinbase lays out the coinbase: a BIP34 height push and coinbase tag
// (plus, when merged mining is active, the 44-byte aux marker) fill the
// scriptSig up to byte 64 exactly, and the extranonce slice starts
// immediately after. WithExtranonce's first 64 bytes are therefore
// identical for any extranonce value: Prefix is built once here and
// never rewritten.
func BuildCoinbase(spec CoinbaseSpec) (*Coinbase, error) {
	if spec.AuxMarker != nil && len(spec.AuxMarker) != AuxMarkerLen {
		return nil, fmt.Errorf("header: aux marker must be %d bytes, got %d", AuxMarkerLen, len(spec.AuxMarker))
	}

	heightPush := encodeHeight(spec.Height)
	tag := spec.CoinbaseTag
	fixedScriptLen := len(heightPush) + len(tag) + len(spec.AuxMarker)

	paddingLen := prefixLen - fixedPreamble - fixedScriptLen
	if paddingLen < 0 {
		return nil, fmt.Errorf("header: coinbase tag/aux marker too large to fit before the stable-prefix boundary (need %d more bytes)", -paddingLen)
	}

	scriptSigLen := fixedScriptLen + paddingLen + spec.ExtranonceSize
	if scriptSigLen > 0xfc {
		return nil, fmt.Errorf("header: scriptSig length %d exceeds single-byte compact-size range", scriptSigLen)
	}

	var prefix [prefixLen]byte
	off := 0
	binary.LittleEndian.PutUint32(prefix[off:], 0x00000002) // version 2, BIP68
	off += 4
	prefix[off] = 0x01 // one input
	off++
	// Coinbase null outpoint: all-zero txid (already zero), index 0xffffffff.
	binary.LittleEndian.PutUint32(prefix[off+32:], 0xffffffff)
	off += 36
	prefix[off] = byte(scriptSigLen)
	off++
	off += copy(prefix[off:], heightPush)
	off += copy(prefix[off:], tag)
	off += copy(prefix[off:], spec.AuxMarker)
	off += paddingLen // padding bytes left zero
	if off != prefixLen {
		return nil, fmt.Errorf("header: internal layout error, prefix ended at %d not %d", off, prefixLen)
	}

	suffix, err := buildSuffix(spec)
	if err != nil {
		return nil, err
	}

	return &Coinbase{
		Prefix:         prefix,
		ExtranonceSize: spec.ExtranonceSize,
		Suffix:         suffix,
		Midstate:       primitives.MidstateFrom64(prefix[:]),
	}, nil
}

func buildSuffix(spec CoinbaseSpec) ([]byte, error) {
	var suffix []byte
	suffix = append(suffix, 0xff, 0xff, 0xff, 0xff) // sequence
	suffix = append(suffix, 0x01)                   // one output

	valueBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(valueBytes, uint64(spec.CoinbaseValue))
	suffix = append(suffix, valueBytes...)

	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(spec.PayoutProgram).Script()
	if err != nil {
		return nil, fmt.Errorf("header: build payout script: %w", err)
	}
	suffix = appendVarBytes(suffix, script)
	suffix = append(suffix, 0x00, 0x00, 0x00, 0x00) // locktime
	return suffix, nil
}

// WithExtranonce splices extranonce (must be exactly ExtranonceSize bytes)
// between the stable prefix and the suffix, producing the full coinbase
// transaction bytes.
func (c *Coinbase) WithExtranonce(extranonce []byte) ([]byte, error) {
	if len(extranonce) != c.ExtranonceSize {
		return nil, fmt.Errorf("header: extranonce must be %d bytes, got %d", c.ExtranonceSize, len(extranonce))
	}
	out := make([]byte, 0, prefixLen+len(extranonce)+len(c.Suffix))
	out = append(out, c.Prefix[:]...)
	out = append(out, extranonce...)
	out = append(out, c.Suffix...)
	return out, nil
}

// TxID computes the coinbase transaction's hash given its extranonce.
func (c *Coinbase) TxID(extranonce []byte) (primitives.Hash256, error) {
	raw, err := c.WithExtranonce(extranonce)
	if err != nil {
		return primitives.Hash256{}, err
	}
	return primitives.Sha256d(raw), nil
}

// encodeHeight encodes a block height for the coinbase scriptSig per BIP34.
func encodeHeight(height int64) []byte {
	if height <= 16 {
		return []byte{byte(0x50 + height)}
	}
	var heightBytes []byte
	h := height
	for h > 0 {
		heightBytes = append(heightBytes, byte(h&0xff))
		h >>= 8
	}
	if heightBytes[len(heightBytes)-1]&0x80 != 0 {
		heightBytes = append(heightBytes, 0x00)
	}
	result := []byte{byte(len(heightBytes))}
	return append(result, heightBytes...)
}

func appendVarBytes(buf []byte, data []byte) []byte {
	buf = appendCompactSize(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendCompactSize(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return append(buf, b...)
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return append(buf, b...)
	default:
		buf = append(buf, 0xff)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)
		return append(buf, b...)
	}
}
