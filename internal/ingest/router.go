// Package ingest implements components A, B, and D of the media ingest
// plane: the UDP/TCP packet listener, the RFC 4571 TCP splitter, and the
// router that dispatches parsed RTP packets into per-SSRC session queues.
package ingest

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

// unknownSSRCRate gates the stream_unknown hook to once per (ssrc, minute),
// resolving spec.md §9's open question on stream_unknown rate limiting.
const unknownSSRCRate = rate.Limit(1.0 / 60.0)

// SessionLookup is the subset of *session.Table the router needs; a narrow
// interface keeps the router's unit tests independent of the full table.
type SessionLookup interface {
	Lookup(ssrc uint32) (*session.Entry, bool)
	Refresh(ssrc uint32, origin string, proto rtpdata.Transport) (firedStreamIn bool, err error)
}

// UnknownSSRCHook is called at most once per (ssrc, minute) when a packet
// arrives for an SSRC with no session.
type UnknownSSRCHook func(ssrc uint32)

// StreamLiveHook is called exactly once per session, on the packet that
// advances it from Pending to Live, so the caller can start the demuxer
// driver and muxer hub for that SSRC and fire the stream_in hook.
type StreamLiveHook func(ssrc uint32)

// Router dispatches parsed RTP packets to the session table's bounded
// per-SSRC queues, applying the try-send/drop-oldest/drop-newest policy of
// spec.md §4.D.
type Router struct {
	table  SessionLookup
	log    *logging.Logger
	hook   UnknownSSRCHook
	onLive StreamLiveHook

	mu       sync.Mutex
	limiters map[uint32]*rate.Limiter
}

// NewRouter builds a Router over table, invoking hook (if non-nil) for
// rate-limited stream_unknown notifications and onLive (if non-nil) the
// first time an SSRC's session goes Live.
func NewRouter(table SessionLookup, log *logging.Logger, hook UnknownSSRCHook, onLive StreamLiveHook) *Router {
	return &Router{
		table:    table,
		log:      log,
		hook:     hook,
		onLive:   onLive,
		limiters: make(map[uint32]*rate.Limiter),
	}
}

// HandlePacket parses raw as an RTP packet and routes it. Parse/protocol
// errors and unknown-SSRC drops are handled internally (spec.md §7:
// network-layer errors are recovered locally).
func (r *Router) HandlePacket(raw []byte, transport rtpdata.Transport, origin string) {
	pkt, err := rtpdata.Parse(raw, transport)
	if err != nil {
		r.log.DebugRTP("dropping malformed rtp packet", "error", err, "origin", origin)
		return
	}

	ssrc := pkt.SSRC
	firedStreamIn, err := r.table.Refresh(ssrc, origin, transport)
	if err != nil {
		r.handleUnknown(ssrc)
		return
	}
	if firedStreamIn && r.onLive != nil {
		r.onLive(ssrc)
	}

	entry, ok := r.table.Lookup(ssrc)
	if !ok {
		r.handleUnknown(ssrc)
		return
	}

	switch entry.TryEnqueue(pkt) {
	case session.EnqueueOK:
	case session.EnqueueDroppedOldest:
		r.log.DebugRTP("queue full, dropped oldest packet", "ssrc", ssrc)
	case session.EnqueueDroppedNewest:
		r.log.Warn("queue full twice, dropping incoming packet", "ssrc", ssrc, "seq", pkt.SequenceNumber)
	}
}

func (r *Router) handleUnknown(ssrc uint32) {
	if r.hook == nil {
		return
	}
	if !r.allowUnknown(ssrc) {
		return
	}
	r.hook(ssrc)
}

func (r *Router) allowUnknown(ssrc uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStaleLimiters()

	limiter, ok := r.limiters[ssrc]
	if !ok {
		limiter = rate.NewLimiter(unknownSSRCRate, 1)
		r.limiters[ssrc] = limiter
	}
	return limiter.Allow()
}

// evictStaleLimiters sweeps the limiter map once it grows large, the lazy
// cleanup spec.md §9 calls for instead of per-entry TTL bookkeeping.
func (r *Router) evictStaleLimiters() {
	const sweepThreshold = 4096
	if len(r.limiters) < sweepThreshold {
		return
	}
	for ssrc, limiter := range r.limiters {
		if limiter.Tokens() >= 1 {
			delete(r.limiters, ssrc)
		}
	}
}
