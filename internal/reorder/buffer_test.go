package reorder

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// packetWithSeq builds a packet whose payload's first byte carries the low
// byte of seq, so tests can recover sequence numbers below 256 from the
// drained payload alone.
func packetWithSeq(seq uint16) *rtpdata.Packet {
	return &rtpdata.Packet{
		Packet: &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq},
			Payload: []byte{byte(seq)},
		},
	}
}

// drainAvailable pulls every currently demuxable packet's sequence number
// (non-blocking, single pass, at most max) until DemuxPacket stalls (no more
// filled slots) or reports EOS.
func drainAvailable(t *testing.T, b *Buffer, max int) []uint16 {
	t.Helper()
	var out []uint16
	for i := 0; i < max; i++ {
		pkt, ok := b.DemuxPacket()
		if !ok {
			break
		}
		if pkt == nil {
			break
		}
		out = append(out, pkt.SequenceNumber)
	}
	return out
}

func TestCleanOrder(t *testing.T) {
	b := New()
	for seq := uint16(1); seq <= 20; seq++ {
		require.True(t, b.Push(packetWithSeq(seq)))
	}
	got := drainAvailable(t, b, 20)
	var want []uint16
	for seq := uint16(1); seq <= 20; seq++ {
		want = append(want, seq)
	}
	assert.Equal(t, want, got)
}

func TestOutOfOrderSingleGap(t *testing.T) {
	b := New()
	order := []uint16{1, 2, 4, 5, 6, 7, 8, 3, 9, 10}
	for _, seq := range order {
		require.True(t, b.Push(packetWithSeq(seq)))
	}
	got := drainAvailable(t, b, 10)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

// TestOutOfOrderSingleGapInterleaved drives Push and DemuxPacket the way
// Driver.Run actually does: attempt to drain to a stall after every single
// arrival, never batching pushes ahead of draining. This is the
// interleaving TestOutOfOrderSingleGap does not exercise.
func TestOutOfOrderSingleGapInterleaved(t *testing.T) {
	b := New()
	order := []uint16{1, 2, 4, 5, 6, 7, 8, 3, 9, 10}
	var got []uint16
	for _, seq := range order {
		require.True(t, b.Push(packetWithSeq(seq)))
		for {
			pkt, ok := b.DemuxPacket()
			if !ok || pkt == nil {
				break
			}
			got = append(got, uint16(pkt.Payload[0]))
		}
	}
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestSequenceWrap(t *testing.T) {
	b := New()
	// Prime last_read_seq to just before the wrap, as a long-running stream
	// would have it, before the scenario's wrap-crossing packets arrive.
	for seq := uint16(65520); seq <= 65529; seq++ {
		require.True(t, b.Push(packetWithSeq(seq)))
	}
	require.Len(t, drainAvailable(t, b, 10), 10)

	order := []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2, 3}
	for _, seq := range order {
		require.True(t, b.Push(packetWithSeq(seq)))
	}
	got := drainAvailable(t, b, 10)
	assert.Equal(t, order, got)
}

func TestLatePacketBeyondWindowIsDropped(t *testing.T) {
	b := New()
	// Drain after every arrival, as Driver.Run does: 80 packets pushed
	// ahead of any draining would not fit the 64-slot ring.
	var got []uint16
	for seq := uint16(1); seq <= 80; seq++ {
		require.True(t, b.Push(packetWithSeq(seq)))
		got = append(got, drainAvailable(t, b, 80)...)
	}
	require.Len(t, got, 80)
	for i, seq := range got {
		require.Equal(t, uint16(i+1), seq)
	}

	accepted := b.Push(packetWithSeq(5))
	assert.False(t, accepted, "packet 5 arriving long after 80 must be dropped as late")
}

func TestWindowStaysWithinBounds(t *testing.T) {
	b := New()
	for seq := uint16(1); seq <= 200; seq++ {
		b.Push(packetWithSeq(seq))
		b.DemuxPacket()
		w := b.Window()
		assert.Contains(t, []int{1, 2, 4, 8, 16}, w)
	}
}

func TestEndOfStreamDrainsThenStops(t *testing.T) {
	b := New()
	require.True(t, b.Push(packetWithSeq(1)))
	require.True(t, b.Push(packetWithSeq(2)))
	b.Close()

	p1, ok1 := b.DemuxPacket()
	require.True(t, ok1)
	assert.Equal(t, byte(1), p1.Payload[0])

	p2, ok2 := b.DemuxPacket()
	require.True(t, ok2)
	assert.Equal(t, byte(2), p2.Payload[0])

	_, ok3 := b.DemuxPacket()
	assert.False(t, ok3)
}
