// Package template maintains the current block template plus one
// speculatively precomputed template for the next height, promoting or
// rebuilding on every chain-tip event. It replaces a GetBlockTemplate poll
// loop with a push-driven cache fed by internal/chaintip events.
package template

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// ancestorWindow is how many recent tip PrevHashes the cache records. The
// record is not consulted when deciding whether to promote the speculative
// template.
const ancestorWindow = 8

// TxSource supplies the non-coinbase content of a template: the ordered set
// of transaction hashes a miner would include and the total fee they carry.
// Quaxis does not implement mempool policy or fee estimation itself; this
// is the seam a caller plugs a mempool/fee-policy component into.
type TxSource interface {
	SelectTransactions(height uint32, prevHash primitives.Hash256) (txids []primitives.Hash256, totalFees int64, err error)
}

// Params configures how templates are assembled.
type Params struct {
	CoinbaseTag      []byte
	PayoutProgram    []byte
	ExtranonceSize   int
	BlockSubsidy     int64 // satoshis, before fees; starting value only, use Cache.SetBlockSubsidy to track halvings afterward
	SpeculativeBuild bool  // whether to precompute height+1 ahead of the tip

	// AuxMarker, when set, supplies the 44-byte merged-mining commitment
	// marker (internal/header.BuildAuxMarker via internal/merged.Commitment.Marker)
	// to splice into every coinbase built. Returns nil when no aux chains
	// are currently committed.
	AuxMarker func() []byte
}

// Template is one fully-assembled block template: a coinbase (split at the
// extranonce boundary per internal/header) plus the merkle branch needed to
// fold a miner's extranonce-dependent coinbase hash up to the header's
// merkle root.
type Template struct {
	Height        uint32
	PrevHash      primitives.Hash256
	Bits          uint32
	Target        *big.Int
	MinTimestamp  uint32
	Coinbase      *header.Coinbase
	MerkleBranch  []primitives.Hash256
	TxCount       int
	BuiltAt       time.Time
}

// Sink receives a Template whenever the cache promotes or builds a new
// current one; jobs derived from any prior current are now stale.
type Sink func(*Template)

// Cache holds the authoritative current template plus a speculative
// precomputed one for height+1, parented on the hash of the block the last
// tip reported, on the assumption that the next tip extends that block.
type Cache struct {
	mu sync.Mutex

	params  Params
	subsidy atomic.Int64 // overrides params.BlockSubsidy once set, so the subsidy can track the halving schedule without racing build()
	txs     TxSource
	mtp     *MTPCalculator

	current *Template
	next    *Template // speculative, parented on the last tip's BlockHash

	ancestors []primitives.Hash256 // most-recent-last

	OnNewCurrent Sink
}

// New builds an empty Cache. Call Ingest with chain-tip events to start
// producing templates.
func New(params Params, txs TxSource) *Cache {
	c := &Cache{
		params: params,
		txs:    txs,
		mtp:    &MTPCalculator{},
	}
	c.subsidy.Store(params.BlockSubsidy)
	return c
}

// SetBlockSubsidy updates the subsidy used for every template built from
// here on, the seam a caller tracking the halving schedule feeds the
// correct value through before each Ingest.
func (c *Cache) SetBlockSubsidy(subsidy int64) {
	c.subsidy.Store(subsidy)
}

// Current returns the presently-authoritative template, or nil if none has
// been built yet.
func (c *Cache) Current() *Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ingest processes one chain-tip event and applies the promotion rule:
//   - if a precomputed next template's PrevHash equals tip.PrevHash, swap it
//     in as current instead of rebuilding from scratch;
//   - otherwise assemble a fresh template for the tip's height.
//
// Either way, on success it starts a speculative build for height+1 and
// invokes OnNewCurrent so job derivation can invalidate anything built from
// the prior current.
func (c *Cache) Ingest(tip chaintip.Tip) error {
	if tip.State == chaintip.StateInvalid || tip.State == chaintip.StateEmpty {
		return nil
	}
	if tip.State == chaintip.StateConfirmed {
		c.mtp.PushTimestamp(tip.Timestamp)
	}

	c.mu.Lock()
	promoted := c.tryPromoteLocked(tip)
	c.mu.Unlock()

	if promoted != nil {
		c.publish(promoted)
		c.precomputeNext(promoted, tip.BlockHash)
		return nil
	}

	fresh, err := c.build(tip.Height, tip.PrevHash, tip.Bits)
	if err != nil {
		return fmt.Errorf("template: build for height %d: %w", tip.Height, err)
	}

	c.mu.Lock()
	c.current = fresh
	c.next = nil
	c.recordAncestorLocked(tip.PrevHash)
	c.mu.Unlock()

	c.publish(fresh)
	c.precomputeNext(fresh, tip.BlockHash)
	return nil
}

// tryPromoteLocked swaps in the speculative next template if its PrevHash
// matches the new tip, avoiding a full rebuild (the whole point of
// precomputing it). Returns nil if no promotion applies.
func (c *Cache) tryPromoteLocked(tip chaintip.Tip) *Template {
	if c.next == nil {
		return nil
	}
	if c.next.PrevHash != tip.PrevHash {
		return nil
	}
	promoted := c.next
	c.current = promoted
	c.next = nil
	c.recordAncestorLocked(tip.PrevHash)
	return promoted
}

func (c *Cache) recordAncestorLocked(prevHash primitives.Hash256) {
	c.ancestors = append(c.ancestors, prevHash)
	if len(c.ancestors) > ancestorWindow {
		c.ancestors = c.ancestors[len(c.ancestors)-ancestorWindow:]
	}
}

// precomputeNext kicks off a speculative build for height+1, parented on
// the just-observed tip's own block hash (the hash of the block that was
// just confirmed or spied, not anything derived from parent's coinbase).
// The result only ever gets used if the next real tip actually extends
// this one.
func (c *Cache) precomputeNext(parent *Template, assumedHash primitives.Hash256) {
	if !c.params.SpeculativeBuild {
		return
	}
	go func() {
		spec, err := c.build(parent.Height+1, assumedHash, parent.Bits)
		if err != nil {
			return
		}
		c.mu.Lock()
		// Only install if current hasn't moved on while we were building.
		if c.current == parent {
			c.next = spec
		}
		c.mu.Unlock()
	}()
}

func (c *Cache) publish(t *Template) {
	if c.OnNewCurrent != nil {
		c.OnNewCurrent(t)
	}
}

// build assembles one full template: coinbase (stable-prefix property from
// internal/header), merkle branch over the selected transactions, and an
// MTP-bounded minimum timestamp.
func (c *Cache) build(height uint32, prevHash primitives.Hash256, bits uint32) (*Template, error) {
	txids, fees, err := c.txs.SelectTransactions(height, prevHash)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	var auxMarker []byte
	if c.params.AuxMarker != nil {
		auxMarker = c.params.AuxMarker()
	}

	cb, err := header.BuildCoinbase(header.CoinbaseSpec{
		Height:         int64(height),
		CoinbaseTag:    c.params.CoinbaseTag,
		ExtranonceSize: c.params.ExtranonceSize,
		PayoutProgram:  c.params.PayoutProgram,
		CoinbaseValue:  c.subsidy.Load() + fees,
		AuxMarker:      auxMarker,
	})
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	withCoinbasePlaceholder := make([]primitives.Hash256, 0, len(txids)+1)
	withCoinbasePlaceholder = append(withCoinbasePlaceholder, primitives.Hash256{})
	withCoinbasePlaceholder = append(withCoinbasePlaceholder, txids...)
	branch := primitives.MerkleBranch(withCoinbasePlaceholder)

	target, err := primitives.Bits(bits).ToTarget()
	if err != nil {
		return nil, fmt.Errorf("bits to target: %w", err)
	}

	return &Template{
		Height:       height,
		PrevHash:     prevHash,
		Bits:         bits,
		Target:       target,
		MinTimestamp: c.mtp.MinTimestamp(),
		Coinbase:     cb,
		MerkleBranch: branch,
		TxCount:      len(txids),
		BuiltAt:      time.Now(),
	}, nil
}
