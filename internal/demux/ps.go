package demux

import (
	"encoding/binary"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// MPEG Program Stream start-code prefix and stream-id ranges (ISO/IEC
// 13818-1). No worked example of a PS depacketizer exists anywhere in the
// retrieved pack; this applies the same accumulate/scan/split idiom the
// H.264 FU-A and TCP splitter both use, adapted to PS pack/PES framing
// instead of RTP fragmentation.
const (
	psStartCodePrefix = 0x000001
	psPackStartCode   = 0xBA
	psSystemHeader    = 0xBB
	psVideoStreamMin  = 0xE0
	psVideoStreamMax  = 0xEF
	psAudioStreamMin  = 0xC0
	psAudioStreamMax  = 0xDF
)

// PSDecoder depacketizes an MPEG Program Stream carried directly as RTP
// payload (payload type 98 in spec.md §6's default set): it accumulates
// payload bytes across packets (PS streams are not RTP-frame-aligned) and
// scans for PES packets once a start code and a complete declared length are
// available.
type PSDecoder struct {
	buf []byte
}

// NewPSDecoder returns an empty PS depacketizer.
func NewPSDecoder() *PSDecoder {
	return &PSDecoder{}
}

// Decode implements CodecDecoder for PS payload type 98.
func (d *PSDecoder) Decode(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	d.buf = append(d.buf, pkt.Payload...)

	var frames []rtpdata.ElementaryFrame
	for {
		advanced, frame := d.scanOne(pkt.Timestamp)
		if !advanced {
			break
		}
		if frame != nil {
			frames = append(frames, *frame)
		}
	}
	return frames, nil
}

// scanOne consumes one pack header or one complete PES packet from the front
// of the buffer. advanced is false once the buffer holds less than a
// complete unit, in which case the caller should wait for more Decode calls.
func (d *PSDecoder) scanOne(ts uint32) (advanced bool, frame *rtpdata.ElementaryFrame) {
	if len(d.buf) < 4 {
		return false, nil
	}
	if !hasStartCode(d.buf) {
		// Resynchronize: drop one byte and retry on the next call rather
		// than scanning unboundedly inline.
		d.buf = d.buf[1:]
		return true, nil
	}

	streamID := d.buf[3]
	switch {
	case streamID == psPackStartCode:
		return d.consumePackHeader()
	case streamID == psSystemHeader:
		return d.consumeSystemHeader()
	case isElementaryStreamID(streamID):
		return d.consumePES(ts, streamID)
	default:
		d.buf = d.buf[1:]
		return true, nil
	}
}

func hasStartCode(buf []byte) bool {
	return buf[0] == 0 && buf[1] == 0 && buf[2] == 1
}

// consumePackHeader skips a fixed 14-byte PS pack header (no stuffing bytes
// assumed, the common case for camera-originated PS).
func (d *PSDecoder) consumePackHeader() (bool, *rtpdata.ElementaryFrame) {
	const packHeaderLen = 14
	if len(d.buf) < packHeaderLen {
		return false, nil
	}
	d.buf = d.buf[packHeaderLen:]
	return true, nil
}

func (d *PSDecoder) consumeSystemHeader() (bool, *rtpdata.ElementaryFrame) {
	if len(d.buf) < 6 {
		return false, nil
	}
	length := binary.BigEndian.Uint16(d.buf[4:6])
	total := 6 + int(length)
	if len(d.buf) < total {
		return false, nil
	}
	d.buf = d.buf[total:]
	return true, nil
}

func (d *PSDecoder) consumePES(ts uint32, streamID byte) (bool, *rtpdata.ElementaryFrame) {
	if len(d.buf) < 6 {
		return false, nil
	}
	length := binary.BigEndian.Uint16(d.buf[4:6])
	total := 6 + int(length)
	if length == 0 {
		// Unbounded-length PES (common for video); without a demuxer-level
		// next-start-code scan this can't be framed reliably, so surrender
		// the rest of the buffer as one frame and wait for more data next
		// time to avoid stalling forever on a malformed stream.
		total = len(d.buf)
	}
	if len(d.buf) < total {
		return false, nil
	}

	pesPayload := d.buf[6:total]
	skip := 0
	if len(pesPayload) >= 3 && pesPayload[0]&0xC0 == 0x80 {
		skip = 3 + int(pesPayload[2])
	}
	if skip > len(pesPayload) {
		skip = len(pesPayload)
	}
	data := append([]byte(nil), pesPayload[skip:]...)
	d.buf = d.buf[total:]

	if len(data) == 0 {
		return true, nil
	}

	kind := rtpdata.FrameAudio
	if streamID >= psVideoStreamMin && streamID <= psVideoStreamMax {
		kind = rtpdata.FrameVideo
	}
	return true, &rtpdata.ElementaryFrame{Kind: kind, Timestamp: ts, Data: data}
}

func isElementaryStreamID(id byte) bool {
	return (id >= psVideoStreamMin && id <= psVideoStreamMax) || (id >= psAudioStreamMin && id <= psAudioStreamMax)
}
