package demux

import (
	"encoding/binary"
	"fmt"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// AACDecoder depacketizes RFC 3640 AAC-hbr (sizelength=13, indexlength=3),
// ported from the teacher's AACProcessor and generalized to CodecDecoder.
type AACDecoder struct{}

// NewAACDecoder returns a stateless AAC depacketizer.
func NewAACDecoder() *AACDecoder {
	return &AACDecoder{}
}

// Decode implements CodecDecoder for AAC payload types.
func (d *AACDecoder) Decode(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	payload := pkt.Payload
	if len(payload) < 2 {
		return nil, fmt.Errorf("demux: aac: packet too short")
	}

	auHeadersBits := binary.BigEndian.Uint16(payload[:2])
	auHeadersBytes := int(auHeadersBits+7) / 8
	if len(payload) < 2+auHeadersBytes {
		return nil, fmt.Errorf("demux: aac: malformed au-headers-length")
	}

	auHeaders := payload[2 : 2+auHeadersBytes]
	auData := payload[2+auHeadersBytes:]

	var frames []rtpdata.ElementaryFrame
	offset := 0
	for len(auHeaders) >= 2 {
		size := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		auHeaders = auHeaders[2:]

		if offset+size > len(auData) {
			break
		}
		frame := auData[offset : offset+size]
		offset += size
		if len(frame) == 0 {
			continue
		}
		frames = append(frames, rtpdata.ElementaryFrame{
			Kind:      rtpdata.FrameAudio,
			Timestamp: pkt.Timestamp,
			Data:      append([]byte(nil), frame...),
		})
	}

	return frames, nil
}
