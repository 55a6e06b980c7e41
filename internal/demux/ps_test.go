package demux

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

func pesPacket(streamID byte, payload []byte) []byte {
	out := []byte{0x00, 0x00, 0x01, streamID}
	header := []byte{0x80, 0x00, 0x00} // flags, flags2, header-data-length=0
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(header)+len(payload)))
	out = append(out, length[:]...)
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

func TestPSDecoderExtractsVideoPES(t *testing.T) {
	dec := NewPSDecoder()
	data := pesPacket(psVideoStreamMin, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	pkt := &rtpdata.Packet{Packet: &rtp.Packet{Header: rtp.Header{Timestamp: 500}, Payload: data}}

	frames, err := dec.Decode(pkt)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, rtpdata.FrameVideo, frames[0].Kind)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, frames[0].Data)
}

func TestPSDecoderExtractsAudioPES(t *testing.T) {
	dec := NewPSDecoder()
	data := pesPacket(psAudioStreamMin, []byte{0x01, 0x02})
	pkt := &rtpdata.Packet{Packet: &rtp.Packet{Header: rtp.Header{Timestamp: 700}, Payload: data}}

	frames, err := dec.Decode(pkt)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, rtpdata.FrameAudio, frames[0].Kind)
}

func TestPSDecoderWaitsForCompletePacket(t *testing.T) {
	dec := NewPSDecoder()
	full := pesPacket(psVideoStreamMin, []byte{0x01, 0x02, 0x03, 0x04})
	pkt := &rtpdata.Packet{Packet: &rtp.Packet{Payload: full[:5]}}

	frames, err := dec.Decode(pkt)
	require.NoError(t, err)
	assert.Empty(t, frames)

	pkt2 := &rtpdata.Packet{Packet: &rtp.Packet{Payload: full[5:]}}
	frames, err = dec.Decode(pkt2)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}
