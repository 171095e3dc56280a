// Package relay adapts the FIBRE-style FEC reconstructor (internal/fec)
// into a chain-tip source: it listens on UDP, feeds incoming chunks to the
// reconstructor, and emits a speculative Tip the instant a block's header
// is extracted (the spy-mining optimization) followed by a confirmed Tip
// once the full block lands.
package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/fec"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// BlockSink receives a fully-reconstructed block's raw bytes for further
// processing (e.g. handing to a share validator's dispatch path, or to
// whatever consumes full blocks outside the job pipeline).
type BlockSink func(blockHash primitives.Hash256, payload []byte)

// Source listens for FIBRE UDP chunks and drives an fec.Reconstructor.
type Source struct {
	conn          *net.UDPConn
	reconstructor *fec.Reconstructor
	readTimeout   time.Duration

	OnBlock BlockSink
}

// Listen binds a UDP socket at addr (e.g. ":8335") and wires a fresh
// Reconstructor whose cap/TTL are maxConcurrent/ttl.
func Listen(addr string, maxConcurrent int, ttl time.Duration) (*Source, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", addr, err)
	}

	return &Source{
		conn:          conn,
		reconstructor: fec.New(maxConcurrent, ttl),
		readTimeout:   time.Second,
	}, nil
}

// Close stops listening.
func (s *Source) Close() error {
	return s.conn.Close()
}

// Run blocks reading chunks and feeding them to the reconstructor until ctx
// is cancelled. UDP receive is timeout-bounded so the loop can notice
// cancellation promptly.
func (s *Source) Run(ctx context.Context, sink chaintip.Sink) error {
	s.reconstructor.OnHeader = func(hash primitives.Hash256, header [80]byte) {
		sink(headerToTip(hash, header, chaintip.StateSpeculative))
	}
	s.reconstructor.OnBlock = func(hash primitives.Hash256, header [80]byte, payload []byte) {
		sink(headerToTip(hash, header, chaintip.StateConfirmed))
		if s.OnBlock != nil {
			s.OnBlock(hash, payload)
		}
	}

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("relay: read: %w", err)
		}

		chunk, err := fec.ParseChunk(buf[:n])
		if err != nil {
			continue // malformed frame: drop and keep listening
		}
		s.reconstructor.Ingest(chunk)
	}
}

func headerToTip(hash primitives.Hash256, header [80]byte, state chaintip.State) chaintip.Tip {
	var prevHash primitives.Hash256
	copy(prevHash[:], header[4:36])
	bits := binary.LittleEndian.Uint32(header[72:76])
	ts := binary.LittleEndian.Uint32(header[68:72])

	return chaintip.Tip{
		State:     state,
		BlockHash: hash,
		PrevHash:  prevHash,
		Bits:      bits,
		Timestamp: ts,
		HeaderRaw: header,
		Source:    "relay",
	}
}
