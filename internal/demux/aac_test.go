package demux

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// buildAACPacket constructs an RFC 3640 AAC-hbr RTP payload carrying one
// access unit of auLen bytes.
func buildAACPacket(au []byte) *rtpdata.Packet {
	var headersLen [2]byte
	binary.BigEndian.PutUint16(headersLen[:], 16) // one 16-bit AU header

	var auHeader [2]byte
	binary.BigEndian.PutUint16(auHeader[:], uint16(len(au))<<3)

	payload := append([]byte{}, headersLen[:]...)
	payload = append(payload, auHeader[:]...)
	payload = append(payload, au...)

	return &rtpdata.Packet{
		Packet: &rtp.Packet{
			Header:  rtp.Header{Timestamp: 2000},
			Payload: payload,
		},
	}
}

func TestAACDecodeSingleAccessUnit(t *testing.T) {
	dec := NewAACDecoder()
	au := []byte{0x01, 0x02, 0x03, 0x04}
	frames, err := dec.Decode(buildAACPacket(au))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, rtpdata.FrameAudio, frames[0].Kind)
	assert.Equal(t, au, frames[0].Data)
	assert.Equal(t, uint32(2000), frames[0].Timestamp)
}

func TestAACDecodeRejectsShortPacket(t *testing.T) {
	dec := NewAACDecoder()
	_, err := dec.Decode(&rtpdata.Packet{Packet: &rtp.Packet{Payload: []byte{0x00}}})
	assert.Error(t, err)
}
