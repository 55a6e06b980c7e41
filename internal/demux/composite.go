package demux

import (
	"fmt"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// CompositeDecoder dispatches each packet to the sub-decoder registered for
// its RTP payload type, letting one session carry independent video and
// audio elementary streams (or a single combined PS stream) behind the same
// CodecDecoder boundary the driver expects.
type CompositeDecoder struct {
	byPayloadType map[uint8]CodecDecoder
}

// NewCompositeDecoder builds a decoder from ext's payload-type hints. PS
// sessions (VideoCodec == "PS") register one PSDecoder for the video
// payload type, since PS payloads carry both video and audio access units
// demultiplexed internally; otherwise video and audio are decoded
// independently by payload type. The codec name is only checked for "PS":
// any other video payload type gets an H264Decoder and any audio payload
// type gets an AACDecoder, so H.265 and G.711 payloads are not decoded as
// such.
func NewCompositeDecoder(ext rtpdata.MediaExt) *CompositeDecoder {
	c := &CompositeDecoder{byPayloadType: make(map[uint8]CodecDecoder)}

	if ext.HasVideo && ext.VideoCodec == "PS" {
		c.byPayloadType[ext.VideoPayloadType] = NewPSDecoder()
		return c
	}
	if ext.HasVideo {
		c.byPayloadType[ext.VideoPayloadType] = NewH264Decoder()
	}
	if ext.HasAudio {
		c.byPayloadType[ext.AudioPayloadType] = NewAACDecoder()
	}
	return c
}

// Decode implements CodecDecoder, routing pkt to the sub-decoder registered
// for its payload type.
func (c *CompositeDecoder) Decode(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error) {
	sub, ok := c.byPayloadType[pkt.PayloadType]
	if !ok {
		return nil, fmt.Errorf("demux: no decoder registered for payload type %d", pkt.PayloadType)
	}
	return sub.Decode(pkt)
}
