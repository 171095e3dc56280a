// Package chaintip defines the chain-tip event Quaxis's three ingestion
// sources (shared-memory subscriber, relay reconstructor, pool protocol
// client) all emit, and the fallback manager that arbitrates between them
// by priority.
package chaintip

import "github.com/quaxis-io/quaxis/internal/primitives"

// State mirrors the shared-memory region's state enum:
// empty/speculative/confirmed/invalid. Non-SHM sources only ever emit
// Speculative or Confirmed.
type State byte

const (
	StateEmpty State = iota
	StateSpeculative
	StateConfirmed
	StateInvalid
)

// Tip is the normalized chain-tip event every source emits, regardless of
// transport. It carries exactly the fields template.Cache needs to mint a
// new block template, plus enough identity to dedupe and to decide
// promotion/orphaning.
type Tip struct {
	State         State
	BlockHash     primitives.Hash256
	PrevHash      primitives.Hash256
	Height        uint32
	Bits          uint32
	Timestamp     uint32
	CoinbaseValue int64
	HeaderRaw     [80]byte // zero when the source only has a height+hash estimate
	Source        string   // "shm", "relay", "pool"; for telemetry/logging only
}

// Sink receives normalized tip events from any source.
type Sink func(Tip)
