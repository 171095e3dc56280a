// Package shm implements the highest-priority chain-tip source: a
// file-backed shared-memory region a modified Bitcoin Core writes to
// directly, avoiding the syscall/serialization latency of RPC or even a
// loopback socket. It reuses internal/waiter for the wait strategy over
// the region's acquire/release sequence-counter protocol.
package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/waiter"
)

// regionSize is the fixed layout: sequence(8) || state(1) || pad(7) ||
// header_raw(80) || height(4) || bits(4) || timestamp(4) ||
// coinbase_value(8) || block_hash(32).
const regionSize = 8 + 1 + 7 + 80 + 4 + 4 + 4 + 8 + 32

const (
	offSequence = 0
	offState    = 8
	offHeader   = 16
	offHeight   = 96
	offBits     = 100
	offTime     = 104
	offCBValue  = 108
	offHash     = 116
)

// Subscriber reads a shared-memory tip region published by the node. The
// region is single-writer/many-reader, coordinated solely through the
// sequence counter; no other synchronization primitive is permitted on
// that region, and Subscriber never writes to it.
type Subscriber struct {
	data []byte
	seq  *uint64 // alias of data[offSequence:offSequence+8], accessed only via sync/atomic
	wait *waiter.Waiter
}

// Open mmaps the region at path read-only using waiter.DefaultConfig's
// spin/yield/sleep thresholds. The file must already exist and be at least
// regionSize bytes; the writer (the modified node) owns creation and
// sizing.
func Open(path string) (*Subscriber, error) {
	return OpenWithWaiter(path, waiter.DefaultConfig())
}

// OpenWithWaiter is Open with caller-supplied wait tuning, the seam
// internal/config's WaiterConfig feeds so an operator can trade CPU for
// latency without a rebuild.
func OpenWithWaiter(path string, waitCfg waiter.Config) (*Subscriber, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if info.Size() < regionSize {
		return nil, fmt.Errorf("shm: region %s too small: %d bytes, want %d", path, info.Size(), regionSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Subscriber{
		data: data,
		seq:  (*uint64)(unsafe.Pointer(&data[offSequence])),
		wait: waiter.New(waitCfg),
	}, nil
}

// Close unmaps the region.
func (s *Subscriber) Close() error {
	return unix.Munmap(s.data)
}

func (s *Subscriber) loadSeqAcquire() uint64 {
	return atomic.LoadUint64(s.seq)
}

// Run blocks, publishing a Tip to sink every time the writer publishes a
// new sequence number, until ctx is cancelled. Each observed change is
// re-validated: read fields, then confirm the sequence is still the value
// just observed, retrying on mismatch since a concurrent write could have
// landed mid-read.
func (s *Subscriber) Run(ctx context.Context, sink chaintip.Sink) error {
	var last uint64
	for {
		seen, _, err := s.wait.Wait(ctx, s.loadSeqAcquire, last)
		if err != nil {
			return err
		}

		tip, ok := s.readConsistent(seen)
		if !ok {
			// Writer updated mid-read; loop again without advancing last
			// so the next Wait call re-checks immediately.
			continue
		}
		last = seen
		sink(tip)
	}
}

// readConsistent reads every field after observing sequence == expected,
// then re-reads the sequence to confirm no writer landed mid-read: the
// acquire-then-verify pattern the region's protocol requires.
func (s *Subscriber) readConsistent(expected uint64) (chaintip.Tip, bool) {
	state := chaintip.State(s.data[offState])

	var header [80]byte
	copy(header[:], s.data[offHeader:offHeader+80])

	height := binary.LittleEndian.Uint32(s.data[offHeight : offHeight+4])
	bits := binary.LittleEndian.Uint32(s.data[offBits : offBits+4])
	ts := binary.LittleEndian.Uint32(s.data[offTime : offTime+4])
	cbValue := int64(binary.LittleEndian.Uint64(s.data[offCBValue : offCBValue+8]))

	var hash primitives.Hash256
	copy(hash[:], s.data[offHash:offHash+32])

	if s.loadSeqAcquire() != expected {
		return chaintip.Tip{}, false
	}

	var prevHash primitives.Hash256
	copy(prevHash[:], header[4:36])

	return chaintip.Tip{
		State:         state,
		BlockHash:     hash,
		PrevHash:      prevHash,
		Height:        height,
		Bits:          bits,
		Timestamp:     ts,
		CoinbaseValue: cbValue,
		HeaderRaw:     header,
		Source:        "shm",
	}, true
}
