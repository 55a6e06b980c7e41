package muxer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// parseFLVTagTimestamps walks a run of concatenated FLV tag+trailer blocks
// and returns each tag's reassembled 32-bit timestamp (24-bit field plus
// the extended byte), in the order the tags appear.
func parseFLVTagTimestamps(t *testing.T, data []byte) []uint32 {
	t.Helper()
	var out []uint32
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 11, "truncated flv tag header")
		size := uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
		ts := uint32(data[4])<<16 | uint32(data[5])<<8 | uint32(data[6])
		tsExt := uint32(data[7])
		out = append(out, tsExt<<24|ts)

		tagLen := 11 + int(size)
		require.GreaterOrEqual(t, len(data), tagLen+4, "truncated flv tag payload/trailer")
		trailer := binary.BigEndian.Uint32(data[tagLen : tagLen+4])
		require.EqualValues(t, tagLen, trailer, "previous tag size mismatch")

		data = data[tagLen+4:]
	}
	return out
}

func TestFLVSinkConvertsVideoRTPTimestampToMilliseconds(t *testing.T) {
	ext := rtpdata.MediaExt{HasVideo: true, VideoPayloadType: 96, VideoCodec: "H264"}
	s := newFLVSink(ext)

	for _, ts := range []uint32{0, 3600, 7200} {
		require.NoError(t, s.Write(rtpdata.ElementaryFrame{Kind: rtpdata.FrameVideo, Timestamp: ts, Data: []byte{0xAA}}))
	}

	got := parseFLVTagTimestamps(t, s.take())
	assert.Equal(t, []uint32{0, 40, 80}, got)
}

func TestFLVSinkUsesExplicitSDPClockRateOverDefault(t *testing.T) {
	ext := rtpdata.MediaExt{
		HasAudio: true, AudioPayloadType: 97, AudioCodec: "AAC", AudioClockRate: 48000,
	}
	s := newFLVSink(ext)

	require.NoError(t, s.Write(rtpdata.ElementaryFrame{Kind: rtpdata.FrameAudio, Timestamp: 48000, Data: []byte{0xBB}}))

	got := parseFLVTagTimestamps(t, s.take())
	assert.Equal(t, []uint32{1000}, got)
}
