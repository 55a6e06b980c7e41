// Package rtpdata defines the wire-level and elementary-frame types shared
// across the ingest, reorder, demux, and muxer packages.
package rtpdata

import (
	"fmt"

	"github.com/pion/rtp"
)

// Transport records which socket family a packet arrived on.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Packet wraps a parsed RTP packet together with the raw bytes it was
// unmarshaled from. The raw slice is kept alive by Go's garbage collector
// for as long as any packet or payload slice into it is reachable, which is
// the Go analogue of the source's reference-counted byte buffer.
type Packet struct {
	*rtp.Packet
	Raw       []byte
	Transport Transport
}

// Parse unmarshals raw into a Packet, validating the RTP version bit per
// RFC 3550 as the splitter/listener must before handing a frame onward.
func Parse(raw []byte, transport Transport) (*Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("rtpdata: parse: %w", err)
	}
	if pkt.Version != 2 {
		return nil, fmt.Errorf("rtpdata: parse: unexpected RTP version %d", pkt.Version)
	}
	return &Packet{Packet: pkt, Raw: raw, Transport: transport}, nil
}

// FrameKind classifies an ElementaryFrame's media type.
type FrameKind uint8

const (
	FrameVideo FrameKind = iota
	FrameAudio
	FrameMeta
)

func (k FrameKind) String() string {
	switch k {
	case FrameVideo:
		return "video"
	case FrameAudio:
		return "audio"
	default:
		return "meta"
	}
}

// ElementaryFrame is the output of a CodecDecoder: one decoded access unit
// ready for the muxer fan-out.
type ElementaryFrame struct {
	Kind      FrameKind
	Timestamp uint32 // RTP clock units, codec-dependent rate
	Data      []byte
	IsKey     bool
}

// MediaExt is the expected-codec hint set a session is registered with; the
// control API populates this from the SDP/extension mapping in a
// POST /rtp/media body.
type MediaExt struct {
	// VideoPayloadType and AudioPayloadType are the RTP payload type numbers
	// this session's codec library should expect to see (spec default set:
	// H.264=96, H.265, PS=98, AAC, G.711a/u).
	VideoPayloadType uint8
	AudioPayloadType uint8
	VideoCodec       string
	AudioCodec       string
	// VideoClockRate/AudioClockRate are the RTP timestamp clock rates from
	// the SDP rtpmap (e.g. 90000 for H.264 per RFC 3551, 44100/48000/8000
	// for audio codecs); zero means "unknown, use the codec's usual rate".
	VideoClockRate uint32
	AudioClockRate uint32
	// HasVideo/HasAudio let callers distinguish "payload type 0 configured"
	// from "no such track expected".
	HasVideo bool
	HasAudio bool
}
