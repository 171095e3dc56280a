package fec

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"github.com/quaxis-io/quaxis/internal/primitives"
)

// HeaderSink receives an 80-byte header the instant chunk 0 is seen,
// independent of the rest of the block, the spy-mining optimization that
// lets a speculative template build start before the full block arrives.
type HeaderSink func(blockHash primitives.Hash256, header [80]byte)

// BlockSink receives a fully reconstructed block.
type BlockSink func(blockHash primitives.Hash256, header [80]byte, payload []byte)

// decodeParityPayload decodes the list of data-chunk ids a parity chunk's
// payload XORs together. The member list is carried as a little-endian
// uint16 count followed by that many uint16 ids, with the XOR data
// following.
func decodeParityPayload(payload []byte) (members []uint16, data []byte, ok bool) {
	if len(payload) < 2 {
		return nil, nil, false
	}
	n := binary.LittleEndian.Uint16(payload[0:2])
	off := 2 + int(n)*2
	if len(payload) < off {
		return nil, nil, false
	}
	members = make([]uint16, n)
	for i := 0; i < int(n); i++ {
		members[i] = binary.LittleEndian.Uint16(payload[2+i*2 : 4+i*2])
	}
	return members, payload[off:], true
}

// EncodeParityPayload is the inverse of decodeParityPayload, exposed for
// tests and any future chunk sender.
func EncodeParityPayload(members []uint16, xorData []byte) []byte {
	buf := make([]byte, 2+len(members)*2+len(xorData))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(members)))
	for i, m := range members {
		binary.LittleEndian.PutUint16(buf[2+i*2:4+i*2], m)
	}
	copy(buf[2+len(members)*2:], xorData)
	return buf
}

type reconstruction struct {
	blockHash   primitives.Hash256
	dataChunks  uint16
	totalChunks uint16
	received    map[uint16][]byte
	parityOf    map[uint16][]uint16
	parityXOR   map[uint16][]byte
	headerSent  bool
	createdAt   time.Time
	elem        *list.Element // position in Reconstructor.order, oldest-first
}

// Reconstructor tracks in-flight block reassemblies keyed by block hash. It
// is safe for concurrent use by multiple relay-receive goroutines.
//
// The active table is a plain map with an explicit insertion-order list
// for TTL/cap eviction: the eviction policy needs "oldest by creation
// time", not "oldest by access", which a bare LRU-on-membership cache
// doesn't track, so that ordering is hand-rolled here. The "already fully
// reconstructed" dedup set, by contrast, is exactly the membership-cache
// shape github.com/decred/dcrd/lru is built for, so that's used directly
// for rejecting chunks belonging to a block already delivered.
type Reconstructor struct {
	mu       sync.Mutex
	active   map[primitives.Hash256]*reconstruction
	order    *list.List
	maxCap   int
	ttl      time.Duration
	done     lru.Cache

	OnHeader HeaderSink
	OnBlock  BlockSink
}

// New builds a Reconstructor capping concurrent in-flight reconstructions
// at maxConcurrent and dropping reconstructions older than ttl, combining
// time-based eviction with an LRU cap.
func New(maxConcurrent int, ttl time.Duration) *Reconstructor {
	return &Reconstructor{
		active: make(map[primitives.Hash256]*reconstruction),
		order:  list.New(),
		maxCap: maxConcurrent,
		ttl:    ttl,
		done:   lru.NewCache(uint(maxConcurrent) * 4),
	}
}

// Ingest processes one incoming chunk. It is idempotent: chunks for a
// block that has already been fully reconstructed are dropped.
func (r *Reconstructor) Ingest(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	if r.done.Contains(c.BlockHash) {
		return
	}

	rec, ok := r.active[c.BlockHash]
	if !ok {
		rec = &reconstruction{
			blockHash:   c.BlockHash,
			dataChunks:  c.DataChunks,
			totalChunks: c.TotalChunks,
			received:    make(map[uint16][]byte),
			parityOf:    make(map[uint16][]uint16),
			parityXOR:   make(map[uint16][]byte),
			createdAt:   time.Now(),
		}
		rec.elem = r.order.PushBack(rec)
		r.active[c.BlockHash] = rec
		r.enforceCapLocked()
	}

	if c.IsParity() {
		if members, data, ok := decodeParityPayload(c.Payload); ok {
			if _, seen := rec.parityOf[c.ChunkID]; !seen {
				rec.parityOf[c.ChunkID] = members
				rec.parityXOR[c.ChunkID] = data
			}
		}
	} else {
		if _, seen := rec.received[c.ChunkID]; !seen {
			rec.received[c.ChunkID] = c.Payload
		}
		if c.ChunkID == 0 && !rec.headerSent && len(c.Payload) >= 80 {
			var header [80]byte
			copy(header[:], c.Payload[:80])
			rec.headerSent = true
			if r.OnHeader != nil {
				r.OnHeader(c.BlockHash, header)
			}
		}
	}

	r.tryReconstructLocked(rec)
}

func (r *Reconstructor) tryReconstructLocked(rec *reconstruction) {
	if len(rec.received) < int(rec.dataChunks) {
		r.recoverViaParityLocked(rec)
	}
	if len(rec.received) < int(rec.dataChunks) {
		return
	}

	r.order.Remove(rec.elem)
	delete(r.active, rec.blockHash)
	r.done.Add(rec.blockHash)

	var payload []byte
	var header [80]byte
	for id := uint16(0); id < rec.dataChunks; id++ {
		chunk := rec.received[id]
		if id == 0 && len(chunk) >= 80 {
			copy(header[:], chunk[:80])
		}
		payload = append(payload, chunk...)
	}

	if r.OnBlock != nil {
		r.OnBlock(rec.blockHash, header, payload)
	}
}

// recoverViaParityLocked iterates the XOR-subset equations: a missing data
// chunk is recoverable whenever some parity chunk's member set contains
// exactly one chunk id not yet in rec.received. It repeats until a full
// pass makes no further progress.
func (r *Reconstructor) recoverViaParityLocked(rec *reconstruction) {
	for {
		progressed := false
		for parityID, members := range rec.parityOf {
			var missing uint16
			missingCount := 0
			for _, m := range members {
				if _, ok := rec.received[m]; !ok {
					missingCount++
					missing = m
					if missingCount > 1 {
						break
					}
				}
			}
			if missingCount != 1 {
				continue
			}

			xored := append([]byte(nil), rec.parityXOR[parityID]...)
			for _, m := range members {
				if m == missing {
					continue
				}
				xorInto(xored, rec.received[m])
			}
			rec.received[missing] = xored
			progressed = true
		}
		if !progressed || len(rec.received) >= int(rec.dataChunks) {
			return
		}
	}
}

func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func (r *Reconstructor) evictExpiredLocked() {
	if r.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.ttl)
	for e := r.order.Front(); e != nil; {
		rec := e.Value.(*reconstruction)
		if rec.createdAt.After(cutoff) {
			break
		}
		next := e.Next()
		r.order.Remove(e)
		delete(r.active, rec.blockHash)
		e = next
	}
}

func (r *Reconstructor) enforceCapLocked() {
	for len(r.active) > r.maxCap {
		oldest := r.order.Front()
		if oldest == nil {
			return
		}
		rec := oldest.Value.(*reconstruction)
		r.order.Remove(oldest)
		delete(r.active, rec.blockHash)
	}
}
