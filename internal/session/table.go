// Package session implements the concurrent SSRC-keyed session table: the
// single shared mutable structure in the broker (spec.md §5, "Shared-resource
// policy"). It owns each session's bounded packet queue, event bus, and
// deadline bookkeeping, and exposes a deadline-ordered heap so the lifecycle
// engine can sleep until the next thing expires instead of polling.
package session

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epimore/gmv-stream/internal/apperr"
	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// State is a SessionEntry's lifecycle state.
type State int

const (
	StatePending State = iota
	StateLive
	StateIdle
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	default:
		return "pending"
	}
}

// MuxerKind enumerates the closed set of output sink kinds a session may
// have attached (spec.md §4.G).
type MuxerKind int

const (
	MuxerFlv MuxerKind = iota
	MuxerMp4
	MuxerHlsTs
	MuxerHlsFmp4
	MuxerRtpFrame
	MuxerRtpPs
	MuxerRtpEnc
	MuxerFrame
)

// Transport mirrors rtpdata.Transport for the origin address record.
type Transport = rtpdata.Transport

// packetQueueCap is the bounded single-producer/single-consumer queue depth
// between the router and the demuxer for one SSRC.
const packetQueueCap = 64

// EventKind is a control-bus event delivered to a session's muxer hub.
type EventKind int

const (
	EventOpenMuxer EventKind = iota
	EventCloseMuxer
	EventHeaderRequest
	EventClose
)

// ControlEvent carries a muxer attach/detach/header request or a session
// close signal to the hub owning this SSRC.
type ControlEvent struct {
	Kind       EventKind
	Muxer      MuxerKind
	HeaderResp chan<- []byte // only set for EventHeaderRequest
}

// EventBus is a small broadcast channel of ControlEvents for one session;
// only the owning hub goroutine receives from it.
type EventBus struct {
	mu     sync.Mutex
	closed bool
	ch     chan ControlEvent
}

func newEventBus() *EventBus {
	return &EventBus{ch: make(chan ControlEvent, 16)}
}

// Events returns the receive side for the muxer hub to range over.
func (b *EventBus) Events() <-chan ControlEvent { return b.ch }

// Publish sends an event, dropping it silently if the bus is already closed
// or saturated — control events are low-volume and idempotent by kind.
func (b *EventBus) Publish(ev ControlEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
	}
}

func (b *EventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	close(b.ch)
}

// Entry is one SessionEntry (spec.md §3).
type Entry struct {
	SSRC     uint32
	StreamID string
	MediaExt rtpdata.MediaExt

	RTPTx chan<- *rtpdata.Packet // router's send handle
	rtpRx chan *rtpdata.Packet   // demuxer's receive handle; not exposed

	Events *EventBus

	OriginAddr  string
	OriginProto Transport
	InTime      time.Time

	userCount int32 // atomic, via sync/atomic on &entry.userCount

	mu      sync.Mutex
	muxers  map[MuxerKind]struct{}
	state   State
	deadline time.Time
	heapIdx  int // heap index of the latest deadline item at the time it was pushed; not updated afterwards
}

// RTPRx returns the demuxer's receive handle. Only the demuxer goroutine
// that owns this entry should call this.
func (e *Entry) RTPRx() <-chan *rtpdata.Packet { return e.rtpRx }

// EnqueueOutcome reports what TryEnqueue had to do to deliver a packet.
type EnqueueOutcome int

const (
	EnqueueOK EnqueueOutcome = iota
	EnqueueDroppedOldest
	EnqueueDroppedNewest
)

// TryEnqueue implements the router's backpressure policy (spec.md §4.D): a
// non-blocking send; on Full, one blind receive to drop the oldest queued
// packet, then a single retry; a second Full drops the new packet instead.
// Both the send and the drop-oldest recv operate on the same underlying
// channel the demuxer reads from, so this must only be called by the router
// goroutine that owns this entry's ingress side.
func (e *Entry) TryEnqueue(pkt *rtpdata.Packet) EnqueueOutcome {
	select {
	case e.rtpRx <- pkt:
		return EnqueueOK
	default:
	}

	select {
	case <-e.rtpRx:
	default:
	}

	select {
	case e.rtpRx <- pkt:
		return EnqueueDroppedOldest
	default:
		return EnqueueDroppedNewest
	}
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Muxers returns a snapshot of currently attached muxer kinds.
func (e *Entry) Muxers() []MuxerKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MuxerKind, 0, len(e.muxers))
	for k := range e.muxers {
		out = append(out, k)
	}
	return out
}

// SetMediaExt updates the codec hint set, used by the control API when a
// POST /rtp/media body arrives after the session was created by
// /listen/ssrc but before RTP traffic (and therefore the demuxer) starts.
func (e *Entry) SetMediaExt(ext rtpdata.MediaExt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MediaExt = ext
}

// GetMediaExt reads the codec hint set under the same lock SetMediaExt
// uses, for callers that may race with a control-API update.
func (e *Entry) GetMediaExt() rtpdata.MediaExt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.MediaExt
}

func (e *Entry) hasRecordingSink() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.muxers[MuxerMp4]
	return ok
}

// deadlineItem is the heap element; it stores a pointer to the owning entry
// so the lifecycle engine can re-check live state at pop time rather than
// trusting a stale snapshot.
type deadlineItem struct {
	entry    *Entry
	deadline time.Time
	kind     deadlineKind
	index    int
}

type deadlineKind int

const (
	deadlineTTL deadlineKind = iota
	deadlineIdleGrace
)

type deadlineHeap []*deadlineItem

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) {
	item := x.(*deadlineItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Table is the SSRC-keyed session table. The zero value is not usable; use
// New.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
	byID    map[string]uint32

	deadlines deadlineHeap
	wake      chan struct{}

	ttl       time.Duration
	idleGrace time.Duration
}

// New builds an empty table with the given default TTL and idle-grace
// durations (spec.md §4.I defaults: 8000ms / 6000ms).
func New(ttl, idleGrace time.Duration) *Table {
	t := &Table{
		entries:   make(map[uint32]*Entry),
		byID:      make(map[string]uint32),
		wake:      make(chan struct{}, 1),
		ttl:       ttl,
		idleGrace: idleGrace,
	}
	heap.Init(&t.deadlines)
	return t
}

// Wake returns a channel that receives a notification whenever the next
// deadline changes, so the lifecycle engine can recompute its sleep.
func (t *Table) Wake() <-chan struct{} { return t.wake }

func (t *Table) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Insert creates a new session for ssrc. Returns apperr.ErrSessionDuplicate
// wrapped if ssrc is already registered.
func (t *Table) Insert(ssrc uint32, streamID string, mediaExt rtpdata.MediaExt) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[ssrc]; ok {
		return nil, errors.Join(apperr.ErrSessionDuplicate, fmt.Errorf("ssrc %d", ssrc))
	}

	rx := make(chan *rtpdata.Packet, packetQueueCap)
	entry := &Entry{
		SSRC:     ssrc,
		StreamID: streamID,
		MediaExt: mediaExt,
		RTPTx:    rx,
		rtpRx:    rx,
		Events:   newEventBus(),
		state:    StatePending,
		muxers:   make(map[MuxerKind]struct{}),
		deadline: time.Now().Add(t.ttl),
		heapIdx:  -1,
	}

	t.entries[ssrc] = entry
	t.byID[streamID] = ssrc
	t.pushDeadline(entry, entry.deadline, deadlineTTL)
	t.notify()
	return entry, nil
}

// Lookup returns the send handle and entry for ssrc without cloning the
// queue; used by the router on every packet.
func (t *Table) Lookup(ssrc uint32) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ssrc]
	return e, ok
}

// LookupByStreamID resolves a stream_id to its entry, used by the playback
// endpoint and control API.
func (t *Table) LookupByStreamID(streamID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ssrc, ok := t.byID[streamID]
	if !ok {
		return nil, false
	}
	return t.entries[ssrc], true
}

// Refresh advances ssrc's deadline and, if the entry was Pending, transitions
// it to Live. Returns whether stream_in should fire (first refresh).
func (t *Table) Refresh(ssrc uint32, origin string, proto Transport) (firedStreamIn bool, err error) {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return false, errors.Join(apperr.ErrSessionUnknown, fmt.Errorf("ssrc %d", ssrc))
	}

	entry.mu.Lock()
	wasPending := entry.state == StatePending
	if wasPending {
		entry.state = StateLive
		entry.InTime = time.Now()
		entry.OriginAddr = origin
		entry.OriginProto = proto
	}
	newDeadline := time.Now().Add(t.ttl)
	advance := newDeadline.After(entry.deadline)
	if advance {
		entry.deadline = newDeadline
	}
	entry.mu.Unlock()

	if advance {
		t.mu.Lock()
		t.updateDeadline(entry, newDeadline, deadlineTTL)
		t.notify()
		t.mu.Unlock()
	}

	return wasPending, nil
}

// Remove marks ssrc Closing, closes its queues/event bus, and drops it from
// the table. Subscribers observe end-of-stream via the closed channels.
func (t *Table) Remove(ssrc uint32) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ssrc]
	if !ok {
		return nil, false
	}
	delete(t.entries, ssrc)
	delete(t.byID, entry.StreamID)
	t.removeDeadlines(entry)

	entry.mu.Lock()
	entry.state = StateClosing
	entry.mu.Unlock()

	entry.Events.Publish(ControlEvent{Kind: EventClose})
	entry.Events.close()
	close(entry.rtpRx)

	return entry, true
}

// RemoveByStreamID is Remove, keyed by stream_id.
func (t *Table) RemoveByStreamID(streamID string) (*Entry, bool) {
	t.mu.Lock()
	ssrc, ok := t.byID[streamID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.Remove(ssrc)
}

// BumpUsers adjusts ssrc's subscriber count by delta. A 1->0 transition
// schedules an idle probe after the configured idle grace.
func (t *Table) BumpUsers(ssrc uint32, delta int32) error {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return errors.Join(apperr.ErrSessionUnknown, fmt.Errorf("ssrc %d", ssrc))
	}

	newCount := atomic.AddInt32(&entry.userCount, delta)
	if newCount == 0 && delta < 0 {
		t.scheduleIdleProbe(entry)
	}
	return nil
}

func (t *Table) scheduleIdleProbe(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateDeadline(entry, time.Now().Add(t.idleGrace), deadlineIdleGrace)
	t.notify()
}

// ExtendIdleGrace reschedules ssrc's idle-grace deadline by the given
// duration, used when the signalling layer answers an idle check with
// 1..255 seconds instead of 0.
func (t *Table) ExtendIdleGrace(ssrc uint32, grace time.Duration) {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.updateDeadline(entry, time.Now().Add(grace), deadlineIdleGrace)
	t.notify()
	t.mu.Unlock()
}

// MarkIdleCandidate schedules an idle-grace probe for ssrc immediately,
// used by the muxer hub when its sink set becomes empty while user_count is
// already zero (spec.md §4.G's "Close... if the hub becomes empty and
// user_count == 0, signal the session as idle candidate").
func (t *Table) MarkIdleCandidate(ssrc uint32) {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.scheduleIdleProbe(entry)
}

// AttachMuxer records kind as attached to ssrc's entry; returns false if it
// was already present (caller should treat as a no-op Open per spec.md §4.G).
func (t *Table) AttachMuxer(ssrc uint32, kind MuxerKind) bool {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, present := entry.muxers[kind]; present {
		return false
	}
	entry.muxers[kind] = struct{}{}
	return true
}

// DetachMuxer removes kind from ssrc's attached set, reporting whether the
// set is now empty.
func (t *Table) DetachMuxer(ssrc uint32, kind MuxerKind) (empty bool) {
	t.mu.Lock()
	entry, ok := t.entries[ssrc]
	t.mu.Unlock()
	if !ok {
		return true
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	delete(entry.muxers, kind)
	return len(entry.muxers) == 0
}

// PopExpired removes and returns the single most-expired deadline item if
// its deadline has passed, along with the time until the next deadline
// otherwise (zero if the table is empty).
func (t *Table) PopExpired(now time.Time) (item *DeadlineItemView, wait time.Duration, hasNext bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deadlines.Len() == 0 {
		return nil, 0, false
	}
	next := t.deadlines[0]
	if !next.deadline.After(now) {
		heap.Pop(&t.deadlines)
		return &DeadlineItemView{Entry: next.entry, Kind: next.kind}, 0, true
	}
	return nil, next.deadline.Sub(now), true
}

// DeadlineItemView is the lifecycle engine's read of one popped deadline.
type DeadlineItemView struct {
	Entry *Entry
	Kind  deadlineKind
}

// IsTTL reports whether this deadline is a traffic-timeout deadline (as
// opposed to an idle-grace recheck).
func (v *DeadlineItemView) IsTTL() bool { return v.Kind == deadlineTTL }

// HasRecordingSink reports whether the entry currently has an MP4 recording
// sink attached (used by the lifecycle engine's idle check).
func (e *Entry) HasRecordingSink() bool { return e.hasRecordingSink() }

// UserCount returns the current live subscriber count.
func (e *Entry) UserCount() int32 { return atomic.LoadInt32(&e.userCount) }

func (t *Table) pushDeadline(entry *Entry, deadline time.Time, kind deadlineKind) {
	item := &deadlineItem{entry: entry, deadline: deadline, kind: kind}
	heap.Push(&t.deadlines, item)
	entry.heapIdx = item.index
}

// updateDeadline replaces any existing heap entries for entry's kind with a
// fresh deadline (removing a stale TTL item before pushing idle-grace, or
// vice versa, never leaving two live timers racing for the same entry+kind).
func (t *Table) updateDeadline(entry *Entry, deadline time.Time, kind deadlineKind) {
	for i := 0; i < len(t.deadlines); i++ {
		if t.deadlines[i].entry == entry && t.deadlines[i].kind == kind {
			heap.Remove(&t.deadlines, i)
			break
		}
	}
	t.pushDeadline(entry, deadline, kind)
}

func (t *Table) removeDeadlines(entry *Entry) {
	for i := 0; i < len(t.deadlines); {
		if t.deadlines[i].entry == entry {
			heap.Remove(&t.deadlines, i)
			continue
		}
		i++
	}
}
