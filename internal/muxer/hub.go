// Package muxer implements the per-SSRC output fan-out hub (spec.md §4.G):
// a closed set of sink kinds (FLV, MP4, HLS-TS, HLS-fMP4, and three RTP
// repackaging variants) attached and detached dynamically, each behind its
// own bounded subscriber channel so a slow HTTP client never stalls the
// others. Grounded on original_source/stream/src/media/context/event/
// muxer.rs's Open/Close tagged enum and pkg/bridge/pacer.go's
// "enqueue, drop/disconnect on overflow" idiom.
package muxer

import (
	"fmt"
	"sync"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

// MuxerKind mirrors the session package's closed sink-kind enum; kept as a
// type alias so callers never juggle two incompatible enums for the same
// concept.
type MuxerKind = session.MuxerKind

const (
	KindFlv      = session.MuxerFlv
	KindMp4      = session.MuxerMp4
	KindHlsTs    = session.MuxerHlsTs
	KindHlsFmp4  = session.MuxerHlsFmp4
	KindRtpFrame = session.MuxerRtpFrame
	KindRtpPs    = session.MuxerRtpPs
	KindRtpEnc   = session.MuxerRtpEnc
	KindFrame    = session.MuxerFrame
)

// subscriberCap bounds each HTTP subscriber's outbound byte-chunk channel;
// exceeding it disconnects the subscriber rather than blocking the hub.
const subscriberCap = 64

// Sink is one output container writer attached to a session's fan-out hub.
// sealed is unexported so only this package may implement new sink kinds,
// keeping dispatch a closed tagged union rather than open interface
// polymorphism (spec.md §9's design resolution).
type Sink interface {
	Kind() MuxerKind
	Header() []byte
	Write(f rtpdata.ElementaryFrame) error
	Close() error
	sealed()
}

// newSink instantiates the sink implementation for kind, grounded on the
// codec/container hints in ext.
func newSink(kind MuxerKind, ext rtpdata.MediaExt) (Sink, error) {
	switch kind {
	case KindFlv:
		return newFLVSink(ext), nil
	case KindMp4:
		return newMP4Sink(ext), nil
	case KindHlsTs:
		return newHLSSink(ext, hlsVariantTS), nil
	case KindHlsFmp4:
		return newHLSSink(ext, hlsVariantFMP4), nil
	case KindRtpFrame, KindRtpPs, KindRtpEnc:
		return newRTPRepackSink(kind, ext), nil
	case KindFrame:
		return newRawFrameSink(), nil
	default:
		return nil, fmt.Errorf("muxer: unknown sink kind %d", kind)
	}
}

type subscriber struct {
	id int
	ch chan []byte
}

type sinkState struct {
	sink   Sink
	header []byte
	subs   map[int]*subscriber
	nextID int
}

func (s *sinkState) broadcast(chunk []byte, log *logging.Logger, ssrc uint32) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			log.DebugMuxer("dropping slow subscriber", "ssrc", ssrc, "kind", s.sink.Kind(), "subscriber", id)
			close(sub.ch)
			delete(s.subs, id)
		}
	}
}

// Hub owns the attached-sink set for one SSRC and processes elementary
// frames plus control events from that session's event bus. It stores the
// SSRC rather than a *session.Entry and resolves against the table on
// demand, so the hub never holds a back-pointer into the session it serves
// (spec.md §9's cyclic-lifetime resolution).
type Hub struct {
	ssrc  uint32
	ext   rtpdata.MediaExt
	table *session.Table
	log   *logging.Logger

	frameCh chan rtpdata.ElementaryFrame

	mu    sync.Mutex
	sinks map[MuxerKind]*sinkState
}

// frameQueueCap bounds the hub's inbound frame queue, fed by the demuxer
// driver's FrameSink callback; Push drops under sustained overflow rather
// than blocking the codec thread.
const frameQueueCap = 256

// NewHub constructs the fan-out hub for ssrc. ext carries the codec hints
// sinks need to build their container headers.
func NewHub(ssrc uint32, ext rtpdata.MediaExt, table *session.Table, log *logging.Logger) *Hub {
	return &Hub{
		ssrc:    ssrc,
		ext:     ext,
		table:   table,
		log:     log,
		frameCh: make(chan rtpdata.ElementaryFrame, frameQueueCap),
		sinks:   make(map[MuxerKind]*sinkState),
	}
}

// Push delivers one decoded frame to the hub; its signature matches
// demux.FrameSink so a Hub can be wired in directly as a driver's onFrame
// callback. It never blocks the caller's demuxer thread.
func (h *Hub) Push(f rtpdata.ElementaryFrame) {
	select {
	case h.frameCh <- f:
	default:
		h.log.DebugMuxer("dropping frame, hub queue full", "ssrc", h.ssrc)
	}
}

// Run drains the owning entry's control-event bus and the frame queue fed
// by Push until the entry issues EventClose or its event bus is exhausted.
// Intended to run in its own goroutine, one per live session, started
// alongside the demuxer driver.
func (h *Hub) Run(entry *session.Entry) {
	events := entry.Events.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			if h.handleEvent(ev) {
				h.closeAll()
				return
			}
		case f := <-h.frameCh:
			h.handleFrame(f)
		}
	}
}

// handleEvent processes one control event; it returns true if the hub
// should shut down entirely.
func (h *Hub) handleEvent(ev session.ControlEvent) bool {
	switch ev.Kind {
	case session.EventOpenMuxer:
		h.open(ev.Muxer)
	case session.EventCloseMuxer:
		h.close(ev.Muxer)
	case session.EventHeaderRequest:
		h.respondHeader(ev.Muxer, ev.HeaderResp)
	case session.EventClose:
		return true
	}
	return false
}

func (h *Hub) open(kind MuxerKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, present := h.sinks[kind]; present {
		return
	}
	sink, err := newSink(kind, h.ext)
	if err != nil {
		h.log.Error("muxer: open failed", "ssrc", h.ssrc, "kind", kind, "error", err)
		return
	}
	h.sinks[kind] = &sinkState{sink: sink, header: sink.Header(), subs: make(map[int]*subscriber)}
	h.table.AttachMuxer(h.ssrc, kind)
}

func (h *Hub) close(kind MuxerKind) {
	h.mu.Lock()
	state, present := h.sinks[kind]
	if present {
		delete(h.sinks, kind)
	}
	empty := len(h.sinks) == 0
	h.mu.Unlock()
	if !present {
		return
	}
	for _, sub := range state.subs {
		close(sub.ch)
	}
	if err := state.sink.Close(); err != nil {
		h.log.Warn("muxer: sink close error", "ssrc", h.ssrc, "kind", kind, "error", err)
	}

	empty = empty && h.table.DetachMuxer(h.ssrc, kind)
	if empty {
		if entry, ok := h.table.Lookup(h.ssrc); ok && entry.UserCount() == 0 {
			h.table.MarkIdleCandidate(h.ssrc)
		}
	}
}

func (h *Hub) respondHeader(kind MuxerKind, resp chan<- []byte) {
	if resp == nil {
		return
	}
	h.mu.Lock()
	state, present := h.sinks[kind]
	h.mu.Unlock()
	if !present {
		close(resp)
		return
	}
	select {
	case resp <- state.header:
	default:
	}
}

func (h *Hub) handleFrame(f rtpdata.ElementaryFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]MuxerKind, 0, len(h.sinks))
	for k := range h.sinks {
		kinds = append(kinds, k)
	}
	sortKinds(kinds)

	for _, k := range kinds {
		state := h.sinks[k]
		if err := state.sink.Write(f); err != nil {
			h.log.Warn("muxer: sink write error", "ssrc", h.ssrc, "kind", k, "error", err)
			delete(h.sinks, k)
			for _, sub := range state.subs {
				close(sub.ch)
			}
			continue
		}
		if bc, ok := state.sink.(chunkBroadcaster); ok {
			if chunk := bc.take(); len(chunk) > 0 {
				state.broadcast(chunk, h.log, h.ssrc)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for kind, state := range h.sinks {
		for _, sub := range state.subs {
			close(sub.ch)
		}
		_ = state.sink.Close()
		delete(h.sinks, kind)
	}
}

// Subscribe registers a new byte-chunk subscriber for kind, returning its
// channel and the cached container header to send first. ok is false if no
// sink of that kind is currently open.
func (h *Hub) Subscribe(kind MuxerKind) (ch <-chan []byte, header []byte, unsubscribe func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, present := h.sinks[kind]
	if !present {
		return nil, nil, nil, false
	}
	id := state.nextID
	state.nextID++
	sub := &subscriber{id: id, ch: make(chan []byte, subscriberCap)}
	state.subs[id] = sub
	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, present := h.sinks[kind]; present {
			if cur, ok := s.subs[id]; ok {
				close(cur.ch)
				delete(s.subs, id)
			}
		}
	}
	return sub.ch, state.header, unsub, true
}

// chunkBroadcaster is implemented by sinks whose output is handed to
// subscribers after each frame: FLV tags, RTP packets, raw frames, and for
// HLS the current playlist text. The MP4 sink does not implement it. take
// returns the sink's pending output (nil when there is none).
type chunkBroadcaster interface {
	take() []byte
}

func sortKinds(kinds []MuxerKind) {
	for i := 1; i < len(kinds); i++ {
		for j := i; j > 0 && kinds[j-1] > kinds[j]; j-- {
			kinds[j-1], kinds[j] = kinds[j], kinds[j-1]
		}
	}
}
