package demux

import (
	"encoding/binary"
	"fmt"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// H.264 NAL unit type values, RFC 6184.
const (
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// H264Decoder reassembles FU-A fragments and unpacks STAP-A aggregates,
// emitting AVC length-prefixed access units. Ported from the teacher's
// H264Processor, generalized from an OnFrame callback to the CodecDecoder
// interface (one Decode call per packet, returning the frames it completed).
type H264Decoder struct {
	fragment []byte
	sps      []byte
	pps      []byte
}

// NewH264Decoder returns a fresh decoder with no cached parameter sets.
func NewH264Decoder() *H264Decoder {
	return &H264Decoder{}
}

// Decode implements CodecDecoder for H.264 payload type 96.
func (d *H264Decoder) Decode(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	payload := pkt.Payload
	if len(payload) == 0 {
		return nil, nil
	}

	naluType := payload[0] & 0x1F
	switch naluType {
	case naluTypeFUA:
		return d.decodeFUA(pkt)
	case naluTypeSTAPA:
		return d.decodeSTAPA(pkt)
	default:
		return d.decodeSingle(pkt)
	}
}

func (d *H264Decoder) decodeFUA(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	if len(pkt.Payload) < 2 {
		return nil, fmt.Errorf("demux: h264: fu-a packet too short")
	}
	fuIndicator := pkt.Payload[0]
	fuHeader := pkt.Payload[1]
	fragment := pkt.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		d.fragment = d.fragment[:0]
		d.fragment = append(d.fragment, (fuIndicator&0xE0)|naluType)
	}
	d.fragment = append(d.fragment, fragment...)

	if !end {
		return nil, nil
	}
	return d.emit(d.fragment, naluType, pkt)
}

func (d *H264Decoder) decodeSTAPA(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	payload := pkt.Payload[1:]
	var access []byte

	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) {
			return nil, fmt.Errorf("demux: h264: stap-a nalu size exceeds payload")
		}
		nalu := payload[:size]
		payload = payload[size:]
		access = appendAVCUnit(access, nalu)
		d.cacheParameterSet(nalu)
	}

	if len(access) == 0 {
		return nil, nil
	}
	return []rtpdata.ElementaryFrame{{
		Kind:      rtpdata.FrameVideo,
		Timestamp: pkt.Timestamp,
		Data:      access,
		IsKey:     false,
	}}, nil
}

func (d *H264Decoder) decodeSingle(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	naluType := pkt.Payload[0] & 0x1F
	return d.emit(pkt.Payload, naluType, pkt)
}

func (d *H264Decoder) emit(nalu []byte, naluType byte, pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	d.cacheParameterSet(nalu)
	isKey := naluType == naluTypeIFrame

	var access []byte
	if isKey && len(d.sps) > 0 && len(d.pps) > 0 {
		access = appendAVCUnit(access, d.sps)
		access = appendAVCUnit(access, d.pps)
	}
	access = appendAVCUnit(access, nalu)

	if !pkt.Marker {
		return nil, nil
	}
	return []rtpdata.ElementaryFrame{{
		Kind:      rtpdata.FrameVideo,
		Timestamp: pkt.Timestamp,
		Data:      access,
		IsKey:     isKey,
	}}, nil
}

func (d *H264Decoder) cacheParameterSet(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case naluTypeSPS:
		d.sps = append([]byte(nil), nalu...)
	case naluTypePPS:
		d.pps = append([]byte(nil), nalu...)
	}
}

// appendAVCUnit appends nalu to dst with a 4-byte big-endian length prefix
// (AVC sample format, reused by the MP4 muxer for identical framing).
func appendAVCUnit(dst, nalu []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, nalu...)
}
