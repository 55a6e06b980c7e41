// Package demux implements component F: one dedicated per-SSRC task that
// pulls ordered payloads from the reorder buffer and decodes them into
// elementary frames via a pluggable codec boundary.
package demux

import (
	"runtime"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/reorder"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

// CodecDecoder is the black-box codec boundary spec.md §4.F and §9 describe:
// given one ordered RTP packet it returns zero or more decoded access units.
// The payload type is read off the packet itself (pkt.PayloadType) since the
// codec library must dispatch on it; the packet (rather than a bare
// payload+type pair) is passed through so implementations that need the
// marker bit for access-unit boundaries (H.264 FU-A) have it without a
// second parameter.
type CodecDecoder interface {
	Decode(pkt *rtpdata.Packet) ([]rtpdata.ElementaryFrame, error)
}

// FrameSink receives decoded frames in emission order.
type FrameSink func(rtpdata.ElementaryFrame)

// Driver owns the reorder buffer and codec decoder for exactly one SSRC. Run
// must execute on its own goroutine; it locks that goroutine to an OS thread
// for its lifetime, modelling the spec's "dedicated OS thread hosts the
// demuxer driver and codec library invocations" requirement (spec.md §5)
// without needing the codec call itself to be anything but a normal
// synchronous Go function call.
type Driver struct {
	entry   *session.Entry
	buffer  *reorder.Buffer
	decoder CodecDecoder
	onFrame FrameSink
	log     *logging.Logger
}

// NewDriver builds a Driver for entry, decoding with decoder and forwarding
// frames to onFrame (ordinarily the muxer hub's frame-in channel).
func NewDriver(entry *session.Entry, decoder CodecDecoder, onFrame FrameSink, log *logging.Logger) *Driver {
	return &Driver{
		entry:   entry,
		buffer:  reorder.New(),
		decoder: decoder,
		onFrame: onFrame,
		log:     log,
	}
}

// Run drains entry's packet queue until it is closed (session removal),
// decoding and forwarding frames as they become orderable. It then drains
// any payloads still buffered before returning, matching the reorder
// buffer's end-of-stream contract.
func (d *Driver) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for pkt := range d.entry.RTPRx() {
		if !d.buffer.Push(pkt) {
			d.log.DebugReorder("dropped out-of-window packet", "ssrc", d.entry.SSRC, "seq", pkt.SequenceNumber)
		}
		d.drainAvailable()
	}

	d.buffer.Close()
	d.drainAvailable()
}

// drainAvailable repeatedly calls DemuxPacket until it stalls (no ordered
// packet currently available) or reports end-of-stream.
func (d *Driver) drainAvailable() {
	for {
		pkt, ok := d.buffer.DemuxPacket()
		if !ok {
			return
		}
		if pkt == nil {
			return
		}
		d.decodeAndForward(pkt)
	}
}

func (d *Driver) decodeAndForward(pkt *rtpdata.Packet) {
	frames, err := d.decoder.Decode(pkt)
	if err != nil {
		d.log.Warn("codec decode error", "ssrc", d.entry.SSRC, "error", err)
		return
	}
	for _, f := range frames {
		d.onFrame(f)
	}
}
