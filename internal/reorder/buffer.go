// Package reorder implements the per-SSRC jitter/reorder buffer: a 64-slot
// ring with an adaptive window, draining packets in ascending sequence-number
// order across one 16-bit wrap.
package reorder

import (
	"github.com/epimore/gmv-stream/internal/rtpdata"
)

const (
	ringSize   = 64
	minWindow  = 1
	maxWindow  = 16
	wrapThresh = 32767 // half the 16-bit sequence space
)

// Buffer is owned by exactly one demuxer goroutine; it is not safe for
// concurrent use and needs no locking because of that ownership discipline
// (spec's "one dedicated OS thread per demuxer" model carries no shared
// mutable reorder state across goroutines).
type Buffer struct {
	ring        [ringSize]*rtpdata.Packet
	lastReadSeq uint16
	haveReadAny bool
	queueCount  int
	window      int
	eos         bool
}

// New returns an empty buffer with the minimum window.
func New() *Buffer {
	return &Buffer{window: minWindow}
}

// Window reports the buffer's current adaptive window, always in
// {1,2,4,8,16}.
func (b *Buffer) Window() int {
	return b.window
}

// Push accepts a freshly parsed packet into the ring. It is dropped if it is
// "late" per the wrap/ordering rule, or if its slot is occupied by a packet
// with the same or a newer sequence number.
func (b *Buffer) Push(pkt *rtpdata.Packet) (accepted bool) {
	seq := pkt.SequenceNumber
	if !b.acceptableSequence(seq) {
		return false
	}

	idx := int(seq) % ringSize
	existing := b.ring[idx]
	if existing != nil {
		if !newerThan(seq, existing.SequenceNumber) {
			return false
		}
		// Overwriting an occupied slot with a strictly newer packet drops
		// the previous occupant; the drop is not logged and not reported to
		// the caller. queueCount does not double count since the slot was
		// already counted.
		b.ring[idx] = pkt
		return true
	}

	b.ring[idx] = pkt
	b.queueCount++
	return true
}

// Close marks end-of-stream; DemuxPacket continues draining already-buffered
// slots until exhaustion and then returns ok=false.
func (b *Buffer) Close() {
	b.eos = true
}

// acceptableSequence applies the wrap-aware freshness test from spec.md
// §4.E: accept if strictly newer, if we have never read anything yet, or if
// the gap looks like a sequence-number wrap rather than a stale packet.
func (b *Buffer) acceptableSequence(seq uint16) bool {
	if !b.haveReadAny {
		return true
	}
	if seq > b.lastReadSeq {
		return true
	}
	diff := b.lastReadSeq - seq
	return diff > wrapThresh
}

// newerThan reports whether a should overwrite b's slot: a is newer if it is
// greater in plain order, or if b looks like it wrapped past a.
func newerThan(a, b uint16) bool {
	if a > b {
		return true
	}
	return b-a > wrapThresh
}

// DemuxPacket drains one packet in ascending sequence order, implementing
// the scan/adapt contract from spec.md §4.E (the "remaining" half of the
// original three-step contract does not apply here: each call returns at
// most one packet, never a split payload). ok is false only once the buffer
// is both at EOS and fully drained; a nil packet with ok true means no
// packet is orderable yet and the caller should wait for more Push calls.
func (b *Buffer) DemuxPacket() (pkt *rtpdata.Packet, ok bool) {
	if b.queueCount == 0 && b.eos {
		return nil, false
	}

	l, idx, found := b.peekScan()
	if !found {
		if b.eos {
			return nil, false
		}
		return nil, true
	}

	// spec.md §4.E step 2: a scan that would jump over a gap (l > 1) is the
	// one that can mistake a not-yet-arrived packet for a dropped one, so
	// the fill rule only needs to hold it back. Before the first read there
	// is no previous sequence number and so no gap: the first scan commits
	// whatever slot it lands on. After that, each call that still sees
	// the gap and has queue_count >= 2*window-1 grows the window instead of
	// committing, which buys more arrivals before the next attempt; once
	// window is maxed out the scan proceeds regardless, matching "fill
	// until end-of-stream" for a gap too wide to ever close.
	if l > 1 && !b.eos && b.haveReadAny {
		threshold := 2*b.window - 1
		if b.queueCount < threshold {
			return nil, true
		}
		if b.window < maxWindow {
			b.window *= 2
			return nil, true
		}
	}

	candidate := b.ring[idx]
	b.ring[idx] = nil
	b.queueCount--
	b.lastReadSeq = candidate.SequenceNumber
	b.haveReadAny = true
	b.adaptWindow(l)
	return candidate, true
}

// peekScan locates the first occupied slot from (last_read_seq mod 64) + 1
// without mutating any state, returning its scan distance l (1-indexed) and
// ring index. found is false only when no slot in the ring is occupied.
func (b *Buffer) peekScan() (l int, idx int, found bool) {
	scanStart := int(b.lastReadSeq)%ringSize + 1
	for l := 1; l <= ringSize; l++ {
		idx := (scanStart + l - 1) % ringSize
		if b.ring[idx] != nil {
			return l, idx, true
		}
	}
	return 0, 0, false
}

// adaptWindow applies the doubling/halving rule from spec.md §4.E after a
// scan of length l found the next payload.
func (b *Buffer) adaptWindow(l int) {
	switch {
	case b.queueCount <= b.window && l > b.window+2:
		if b.window < maxWindow {
			b.window *= 2
		}
	case l == b.window:
		if b.window > minWindow {
			b.window /= 2
		}
	}
}
