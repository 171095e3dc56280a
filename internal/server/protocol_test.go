package server

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrameNewJobRoundTrip(t *testing.T) {
	want := NewJobFrame{JobID: 0xdeadbeef}
	for i := range want.Midstate {
		want.Midstate[i] = byte(i)
	}
	for i := range want.HeaderTail {
		want.HeaderTail[i] = byte(0xA0 + i)
	}

	encoded := EncodeNewJob(want)
	tag, payload, err := ReadFrame(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, TagNewJob, tag)
	require.Len(t, payload, 32+12+4)

	var got NewJobFrame
	copy(got.Midstate[:], payload[:32])
	copy(got.HeaderTail[:], payload[32:44])
	got.JobID = binary.LittleEndian.Uint32(payload[44:48])

	require.Equal(t, want, got)
}

func TestReadFrameSkipsUnknownTagsAndResyncs(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0xEE) // unknown tag, no payload to skip
	buf.WriteByte(0xEF) // also unknown
	buf.Write(EncodeHeartbeat())

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagHeartbeat, tag)
	require.Nil(t, payload)
}

func TestReadFrameShareV1(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(TagShareV1)
	var jobNonce [8]byte
	binary.LittleEndian.PutUint32(jobNonce[0:4], 7)
	binary.LittleEndian.PutUint32(jobNonce[4:8], 99)
	buf.Write(jobNonce[:])

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagShareV1, tag)

	f, err := decodeShareV1(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), f.JobID)
	require.Equal(t, uint32(99), f.Nonce)
	require.False(t, f.HasVersion)
}

func TestReadFrameShareV2(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(TagShareV2)
	var body [12]byte
	binary.LittleEndian.PutUint32(body[0:4], 7)
	binary.LittleEndian.PutUint32(body[4:8], 99)
	binary.LittleEndian.PutUint32(body[8:12], 0x20000000)
	buf.Write(body[:])

	_, payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	f, err := decodeShareV2(payload)
	require.NoError(t, err)
	require.True(t, f.HasVersion)
	require.Equal(t, uint32(0x20000000), f.Version)
}

func TestReadFrameErrorVariableLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(TagError)
	var head [4]byte
	binary.LittleEndian.PutUint16(head[0:2], 42)
	binary.LittleEndian.PutUint16(head[2:4], uint16(len("overheat")))
	buf.Write(head[:])
	buf.WriteString("overheat")

	_, payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	e, err := decodeError(payload)
	require.NoError(t, err)
	require.Equal(t, uint16(42), e.Code)
	require.Equal(t, "overheat", e.Reason)
}

func TestEncodeSetDifficultyRoundTrip(t *testing.T) {
	frame := EncodeSetDifficulty(12.5)
	require.Equal(t, TagSetDifficulty, frame[0])
	got := math.Float32frombits(binary.LittleEndian.Uint32(frame[1:5]))
	require.Equal(t, float32(12.5), got)
}
