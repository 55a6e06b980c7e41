package ingest

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

func marshalRTP(t *testing.T, ssrc uint32, seq uint16) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			PayloadType:    96,
		},
		Payload: []byte{0xAA, 0xBB},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func newTestRouter(t *testing.T) (*Router, *session.Table) {
	t.Helper()
	table := session.New(8000, 6000)
	log := logging.Default()
	return NewRouter(table, log, nil, nil), table
}

func TestHandlePacketDeliversToKnownSession(t *testing.T) {
	r, table := newTestRouter(t)
	entry, err := table.Insert(0x1000, "S1", rtpdata.MediaExt{})
	require.NoError(t, err)

	r.HandlePacket(marshalRTP(t, 0x1000, 1), rtpdata.TransportUDP, "1.2.3.4:1000")

	select {
	case pkt := <-entry.RTPRx():
		assert.Equal(t, uint16(1), pkt.SequenceNumber)
	default:
		t.Fatal("expected a packet to be enqueued")
	}
}

func TestHandlePacketUnknownSSRCFiresHookOncePerWindow(t *testing.T) {
	table := session.New(8000, 6000)
	var calls int
	r := NewRouter(table, logging.Default(), func(ssrc uint32) { calls++ }, nil)

	r.HandlePacket(marshalRTP(t, 0xDEAD, 1), rtpdata.TransportUDP, "1.2.3.4:1000")
	r.HandlePacket(marshalRTP(t, 0xDEAD, 2), rtpdata.TransportUDP, "1.2.3.4:1000")
	r.HandlePacket(marshalRTP(t, 0xDEAD, 3), rtpdata.TransportUDP, "1.2.3.4:1000")

	assert.Equal(t, 1, calls, "second and third packet within the same window must not refire the hook")
}

func TestHandlePacketDropsOldestWhenQueueFull(t *testing.T) {
	r, table := newTestRouter(t)
	entry, err := table.Insert(0x2000, "S2", rtpdata.MediaExt{})
	require.NoError(t, err)

	for seq := uint16(1); seq <= 64; seq++ {
		r.HandlePacket(marshalRTP(t, 0x2000, seq), rtpdata.TransportUDP, "1.2.3.4:1000")
	}
	// queue is now full (capacity 64); one more packet should evict the
	// oldest rather than blocking or being silently dropped.
	r.HandlePacket(marshalRTP(t, 0x2000, 65), rtpdata.TransportUDP, "1.2.3.4:1000")

	first := <-entry.RTPRx()
	assert.NotEqual(t, uint16(1), first.SequenceNumber, "oldest packet should have been evicted")
}

func TestHandlePacketMalformedIsDropped(t *testing.T) {
	r, _ := newTestRouter(t)
	r.HandlePacket([]byte{0x00}, rtpdata.TransportUDP, "1.2.3.4:1000")
}
