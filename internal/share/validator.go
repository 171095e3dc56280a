// Package share validates submitted shares against the job that minted
// them. Solo mining accepts any share meeting the network target as a
// found block; there is no pool-difficulty floor to reject below.
package share

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/quaxerr"
)

// maxDupesPerJob bounds each job's seen-share set. Once full, the oldest
// 10% is evicted to make room rather than letting the set grow with the
// job's lifetime.
const maxDupesPerJob = 4096

// dupeEvictFraction is the fraction of entries dropped, oldest first, once
// a job's seen-share set reaches maxDupesPerJob.
const dupeEvictFraction = 10

// Submission is what an ASIC sends back for one share: already-decoded
// integers read off the binary wire protocol.
type Submission struct {
	JobID       string
	Ntime       uint32
	Nonce       uint32
	VersionBits uint32 // 0 if the connection didn't negotiate version rolling
	VersionMask uint32
}

// Result is the outcome of validating one share.
type Result struct {
	Valid      bool
	BlockFound bool
	Difficulty float64
	BlockHash  primitives.Hash256
	BlockRaw   []byte // full serialized block, only set when BlockFound
}

// dupeKey identifies a submitted share's (ntime, nonce, versionBits) triple
// for duplicate detection. Using the three fields directly as a comparable
// struct key avoids packing them into overlapping bit ranges of a single
// integer.
type dupeKey struct {
	ntime       uint32
	nonce       uint32
	versionBits uint32
}

// dupeSet is a bounded, insertion-ordered set of seen share keys for one
// job. When it reaches maxDupesPerJob, the oldest dupeEvictFraction percent
// of entries are dropped to make room for new ones, so a single long-lived
// job's memory stays bounded regardless of how many distinct shares it
// sees.
type dupeSet struct {
	order []dupeKey
	seen  map[dupeKey]bool
}

func newDupeSet() *dupeSet {
	return &dupeSet{seen: make(map[dupeKey]bool)}
}

// checkAndAdd reports whether key was already present, adding it if not.
func (d *dupeSet) checkAndAdd(key dupeKey) bool {
	if d.seen[key] {
		return true
	}
	if len(d.order) >= maxDupesPerJob {
		d.evictOldest()
	}
	d.seen[key] = true
	d.order = append(d.order, key)
	return false
}

func (d *dupeSet) evictOldest() {
	n := len(d.order) * dupeEvictFraction / 100
	if n < 1 {
		n = 1
	}
	for _, key := range d.order[:n] {
		delete(d.seen, key)
	}
	d.order = d.order[n:]
}

// Validator checks submissions against the job they claim to extend and
// tracks per-job duplicates in a bounded set. Once the job manager evicts a
// job (internal/job.Manager's maxJobs trim), Prune drops its dedup set too.
type Validator struct {
	jobs *job.Manager

	mu         sync.Mutex
	duplicates map[string]*dupeSet // jobID -> bounded set of seen (ntime,nonce,versionbits)
}

// New builds a Validator against jobs.
func New(jobs *job.Manager) *Validator {
	return &Validator{
		jobs:       jobs,
		duplicates: make(map[string]*dupeSet),
	}
}

// Validate checks one submission: job lookup, duplicate rejection, header
// reconstruction, and target comparison.
func (v *Validator) Validate(sub Submission) (*Result, error) {
	j, ok := v.jobs.Get(sub.JobID)
	if !ok {
		return nil, quaxerr.ErrInvalidJobID
	}
	if j.Stale() {
		return nil, quaxerr.ErrStaleWork
	}

	key := dupeKey{ntime: sub.Ntime, nonce: sub.Nonce, versionBits: sub.VersionBits}
	v.mu.Lock()
	set, ok := v.duplicates[sub.JobID]
	if !ok {
		set = newDupeSet()
		v.duplicates[sub.JobID] = set
	}
	alreadySeen := set.checkAndAdd(key)
	v.mu.Unlock()
	if alreadySeen {
		return nil, quaxerr.ErrDuplicateShare
	}

	versionWord := job.BaseVersion
	rolledVersion := sub.VersionBits != 0 && sub.VersionMask != 0
	if rolledVersion {
		versionWord ^= int32(sub.VersionBits & sub.VersionMask)
	}

	hdr := header.Header{
		Version:    versionWord,
		PrevHash:   j.Template.PrevHash,
		MerkleRoot: j.MerkleRoot,
		Timestamp:  sub.Ntime,
		Bits:       j.Template.Bits,
		Nonce:      sub.Nonce,
	}

	var blockHash primitives.Hash256
	if rolledVersion {
		blockHash = hdr.Hash()
	} else {
		// No version rolling: the job's precomputed midstate already covers
		// {BaseVersion, PrevHash, MerkleRoot}, so only the 16-byte tail needs
		// assembling per share instead of re-hashing the full 80 bytes.
		tail := hdr.Tail()
		blockHash = header.FinishFromTail(j.Midstate, tail[:])
	}

	diff := primitives.Difficulty(hashToBigInt(blockHash))
	diffFloat, _ := diff.Float64()

	result := &Result{
		Valid:      true,
		Difficulty: diffFloat,
		BlockHash:  blockHash,
	}

	if primitives.MeetsTarget(blockHash, j.Template.Target) {
		result.BlockFound = true
		raw, err := v.assembleBlock(j, hdr)
		if err != nil {
			return nil, fmt.Errorf("share: assemble found block: %w", err)
		}
		result.BlockRaw = raw
	}

	return result, nil
}

// Prune drops duplicate-tracking sets for every job not in keepJobIDs (call
// with the job manager's current ActiveIDs to GC alongside job eviction).
func (v *Validator) Prune(keepJobIDs map[string]bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.duplicates {
		if !keepJobIDs[id] {
			delete(v.duplicates, id)
		}
	}
}

// assembleBlock serializes the found block's header, a transaction count of
// 1+TxCount, and the coinbase. The non-coinbase transaction bodies are not
// included: only the header and coinbase vary per miner, and the raw bytes
// behind the hashes TxSource.SelectTransactions returned are not available
// here.
func (v *Validator) assembleBlock(j *job.Job, hdr header.Header) ([]byte, error) {
	serialized := hdr.Serialize()
	var block []byte
	block = append(block, serialized[:]...)
	block = appendCompactSize(block, uint64(1+j.Template.TxCount))
	block = append(block, j.Coinbase...)
	return block, nil
}

// hashToBigInt mirrors primitives.MeetsTarget's own internal byte-order
// reversal, exposed here so share difficulty can reuse primitives.Difficulty.
func hashToBigInt(h primitives.Hash256) *big.Int {
	be := make([]byte, len(h))
	for i, b := range h {
		be[len(h)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
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
