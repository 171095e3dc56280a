// Package server implements the ASIC-facing binary protocol and the
// connection/session management around it: fixed-size tagged binary
// frames rather than line-delimited JSON-RPC, with the same
// protocol/server/session split as a Stratum stack (request/response
// handling, accept loop and session map, per-connection receive/send
// loop).
package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame tags. Direction notes: S→A is server-to-ASIC, A→S is ASIC-to-server,
// ↔ is either way.
const (
	TagNewJob        byte = 0x01 // S→A
	TagStop          byte = 0x02 // S→A
	TagHeartbeat     byte = 0x03 // ↔
	TagSetTarget     byte = 0x04 // S→A
	TagSetDifficulty byte = 0x05 // S→A
	TagShareV1       byte = 0x81 // A→S
	TagShareV2       byte = 0x82 // A→S
	TagHeartbeatAck  byte = 0x83 // A→S
	TagStatus        byte = 0x84 // A→S
	TagError         byte = 0x8F // A→S
)

// payloadLen returns the fixed payload size for tag, or -1 if tag carries a
// variable-length payload (only TagError does).
func payloadLen(tag byte) int {
	switch tag {
	case TagNewJob:
		return 32 + 12 + 4
	case TagStop, TagHeartbeat, TagHeartbeatAck:
		return 0
	case TagSetTarget:
		return 32
	case TagSetDifficulty:
		return 4
	case TagShareV1:
		return 4 + 4
	case TagShareV2:
		return 4 + 4 + 4
	case TagStatus:
		return 4 + 1 + 1 + 2
	case TagError:
		return -1
	default:
		return -2 // unknown tag
	}
}

// NewJobFrame is tag 0x01: the header midstate over the job's first 64
// bytes, the 12-byte tail (merkle root's last 4 bytes ‖ timestamp ‖ bits)
// an ASIC combines with its own nonce trial to finish the hash, and the
// job id it must echo back on share submission.
type NewJobFrame struct {
	Midstate   [32]byte
	HeaderTail [12]byte
	JobID      uint32
}

func EncodeNewJob(f NewJobFrame) []byte {
	buf := make([]byte, 1+32+12+4)
	buf[0] = TagNewJob
	copy(buf[1:33], f.Midstate[:])
	copy(buf[33:45], f.HeaderTail[:])
	binary.LittleEndian.PutUint32(buf[45:49], f.JobID)
	return buf
}

func EncodeStop() []byte {
	return []byte{TagStop}
}

func EncodeHeartbeat() []byte {
	return []byte{TagHeartbeat}
}

func EncodeHeartbeatAck() []byte {
	return []byte{TagHeartbeatAck}
}

// EncodeSetTarget builds tag 0x04: the 256-bit target, big-endian (matches the
// natural big.Int byte order the rest of Quaxis uses for targets).
func EncodeSetTarget(target [32]byte) []byte {
	buf := make([]byte, 1+32)
	buf[0] = TagSetTarget
	copy(buf[1:], target[:])
	return buf
}

func EncodeSetDifficulty(difficulty float32) []byte {
	buf := make([]byte, 1+4)
	buf[0] = TagSetDifficulty
	binary.LittleEndian.PutUint32(buf[1:], math.Float32bits(difficulty))
	return buf
}

// ShareFrame is the decoded form of either tag 0x81 (v1, no version field)
// or tag 0x82 (v2, with a version field for version-rolling ASICs).
type ShareFrame struct {
	JobID      uint32
	Nonce      uint32
	Version    uint32
	HasVersion bool
}

// StatusFrame is tag 0x84: periodic ASIC telemetry.
type StatusFrame struct {
	Hashrate    float32
	Temperature uint8
	Fan         uint8
	Errors      uint16
}

// ErrorFrame is tag 0x8F: an ASIC-reported error with a variable-length
// reason string.
type ErrorFrame struct {
	Code   uint16
	Reason string
}

// ReadFrame reads one frame from r: a 1-byte tag followed by its payload.
// Unknown tags are dropped one byte at a time and retried: peers
// discarding an unknown tag resynchronize rather than giving up.
//
// TagError's reason is the one variable-length field in the protocol; the
// wire layout of code[2] ‖ reason[varlen] needs an explicit delimiter to be
// decodable from a byte stream, so the reason is itself length-prefixed:
// code[2] ‖ reason_len[2] ‖ reason[reason_len].
func ReadFrame(r io.Reader) (tag byte, payload []byte, err error) {
	var tagBuf [1]byte
	for {
		if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
			return 0, nil, err
		}
		tag = tagBuf[0]
		n := payloadLen(tag)
		if n == -2 {
			continue // unknown tag: drop the byte, resync
		}
		if n == -1 {
			var head [4]byte // code[2] ‖ reason_len[2]
			if _, err := io.ReadFull(r, head[:]); err != nil {
				return 0, nil, err
			}
			reasonLen := binary.LittleEndian.Uint16(head[2:4])
			payload = make([]byte, 4+int(reasonLen))
			copy(payload, head[:])
			if reasonLen > 0 {
				if _, err := io.ReadFull(r, payload[4:]); err != nil {
					return 0, nil, err
				}
			}
			return tag, payload, nil
		}
		if n == 0 {
			return tag, nil, nil
		}
		payload = make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
		return tag, payload, nil
	}
}

func decodeShareV1(payload []byte) (ShareFrame, error) {
	if len(payload) != 8 {
		return ShareFrame{}, fmt.Errorf("server: share v1 frame wrong length %d", len(payload))
	}
	return ShareFrame{
		JobID: binary.LittleEndian.Uint32(payload[0:4]),
		Nonce: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

func decodeShareV2(payload []byte) (ShareFrame, error) {
	if len(payload) != 12 {
		return ShareFrame{}, fmt.Errorf("server: share v2 frame wrong length %d", len(payload))
	}
	return ShareFrame{
		JobID:      binary.LittleEndian.Uint32(payload[0:4]),
		Nonce:      binary.LittleEndian.Uint32(payload[4:8]),
		Version:    binary.LittleEndian.Uint32(payload[8:12]),
		HasVersion: true,
	}, nil
}

func decodeStatus(payload []byte) (StatusFrame, error) {
	if len(payload) != 8 {
		return StatusFrame{}, fmt.Errorf("server: status frame wrong length %d", len(payload))
	}
	return StatusFrame{
		Hashrate:    math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4])),
		Temperature: payload[4],
		Fan:         payload[5],
		Errors:      binary.LittleEndian.Uint16(payload[6:8]),
	}, nil
}

func decodeError(payload []byte) (ErrorFrame, error) {
	if len(payload) < 4 {
		return ErrorFrame{}, fmt.Errorf("server: error frame too short")
	}
	reasonLen := binary.LittleEndian.Uint16(payload[2:4])
	if len(payload) != 4+int(reasonLen) {
		return ErrorFrame{}, fmt.Errorf("server: error frame length mismatch")
	}
	return ErrorFrame{
		Code:   binary.LittleEndian.Uint16(payload[0:2]),
		Reason: string(payload[4:]),
	}, nil
}
