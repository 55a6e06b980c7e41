package muxer

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// FLV tag types (ISO 13818-1 / Adobe FLV spec).
const (
	flvTagAudio      = 8
	flvTagVideo      = 9
	flvTagScriptData = 18
)

// flvSink writes HTTP-FLV tags: signature header once, then one tag per
// frame, each followed by its own PreviousTagSize trailer (spec.md §4.G).
// Grounded on original_source/stream/src/media/format/flv.rs's header shape;
// no cgo/ffmpeg binding is used here since flv tag framing is plain
// bit-packing, squarely idiomatic stdlib territory (documented in
// DESIGN.md).
type flvSink struct {
	ext            rtpdata.MediaExt
	videoClockRate uint32
	audioClockRate uint32

	mu      sync.Mutex
	pending bytes.Buffer
}

func newFLVSink(ext rtpdata.MediaExt) *flvSink {
	return &flvSink{
		ext:            ext,
		videoClockRate: clockRateOrDefault(ext.VideoClockRate, 90000),
		audioClockRate: clockRateOrDefault(ext.AudioClockRate, defaultAudioClockRate(ext.AudioCodec)),
	}
}

// clockRateOrDefault returns rate unless it's the SDP's "unknown" zero
// value, in which case it falls back to def.
func clockRateOrDefault(rate, def uint32) uint32 {
	if rate == 0 {
		return def
	}
	return rate
}

// defaultAudioClockRate covers the codecs this broker's decoders actually
// handle when the SDP rtpmap omits (or fails to parse) an explicit rate;
// G.711 is fixed at 8000 Hz per RFC 3551, AAC streams here are commonly
// 44100 Hz.
func defaultAudioClockRate(codec string) uint32 {
	switch strings.ToUpper(codec) {
	case "PCMA", "PCMU", "G711A", "G711U":
		return 8000
	default:
		return 44100
	}
}

func (s *flvSink) Kind() MuxerKind { return KindFlv }
func (s *flvSink) sealed()         {}

// Header returns the 13-byte FLV signature block: "FLV", version 1, a flags
// byte (bit0 video, bit2 audio present), the fixed 9-byte DataOffset, and a
// leading 4-byte PreviousTagSize0 of zero.
func (s *flvSink) Header() []byte {
	var flags byte
	if s.ext.HasAudio {
		flags |= 0x04
	}
	if s.ext.HasVideo {
		flags |= 0x01
	}
	return []byte{
		'F', 'L', 'V', 0x01,
		flags,
		0x00, 0x00, 0x00, 0x09, // DataOffset = 9
		0x00, 0x00, 0x00, 0x00, // PreviousTagSize0
	}
}

// Write appends one FLV tag (+ trailer) for f to the pending buffer; take
// drains it for the hub's broadcast step.
func (s *flvSink) Write(f rtpdata.ElementaryFrame) error {
	tagType := byte(flvTagVideo)
	rate := s.videoClockRate
	if f.Kind == rtpdata.FrameAudio {
		tagType = flvTagAudio
		rate = s.audioClockRate
	} else if f.Kind == rtpdata.FrameMeta {
		tagType = flvTagScriptData
	}

	// FLV tag timestamps are milliseconds; f.Timestamp is carried in RTP
	// clock units at the codec's sample rate (spec.md §4.G), so it must be
	// rescaled before it goes on the wire.
	ts := rtpTimestampToMillis(f.Timestamp, rate)
	var tag bytes.Buffer
	tag.WriteByte(tagType)
	put24(&tag, uint32(len(f.Data)))
	put24(&tag, ts&0x00FFFFFF)
	tag.WriteByte(byte(ts >> 24)) // TimestampExtended
	put24(&tag, 0)                // StreamID, always 0
	tag.Write(f.Data)

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(tag.Len()))

	s.mu.Lock()
	s.pending.Write(tag.Bytes())
	s.pending.Write(trailer[:])
	s.mu.Unlock()
	return nil
}

func (s *flvSink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), s.pending.Bytes()...)
	s.pending.Reset()
	return out
}

func (s *flvSink) Close() error { return nil }

// rtpTimestampToMillis rescales an RTP-clock-unit timestamp to milliseconds
// for containers (FLV, HLS) that require wall-clock timing; rate of 0 is
// treated as 1 to avoid a division by zero rather than crashing the sink.
func rtpTimestampToMillis(ts, rate uint32) uint32 {
	if rate == 0 {
		rate = 1
	}
	return uint32(uint64(ts) * 1000 / uint64(rate))
}

func put24(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}
