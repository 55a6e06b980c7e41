// Package lifecycle implements the priority-queue-driven session-deadline
// engine (spec.md §4.I), grounded on pkg/nest/queue.go's CommandQueue (a
// container/heap queue drained by one worker goroutine on a computed sleep)
// and pkg/nest/manager.go's extensionLoop "sleep until next deadline"
// shape, adapted from Nest-API command pacing to TTL/idle-grace session
// timers.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/session"
)

// streamTimeoutInfo and streamIdleInfo mirror the JSON shapes the
// signalling layer expects in hook envelopes (spec.md §6).
type streamTimeoutInfo struct {
	StreamID string `json:"stream_id"`
	SSRC     uint32 `json:"ssrc"`
}

type streamIdleInfo struct {
	StreamID string `json:"stream_id"`
	SSRC     uint32 `json:"ssrc"`
}

// Engine is the one-task deadline processor: it sleeps until the table's
// earliest deadline, pops it, and either evicts (TTL) or runs the idle
// check (grace) against the signalling layer.
type Engine struct {
	table *session.Table
	hooks *HookClient
	log   *logging.Logger

	wg sync.WaitGroup
}

// New builds an Engine driving table's deadline heap via hooks.
func New(table *session.Table, hooks *HookClient, log *logging.Logger) *Engine {
	return &Engine{table: table, hooks: hooks, log: log}
}

// Run blocks processing deadlines until ctx is cancelled. Intended to run on
// its own goroutine, started once at process startup.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	for {
		item, wait, hasNext := e.table.PopExpired(timeNow())
		if item != nil {
			e.process(ctx, item)
			continue
		}
		if !hasNext {
			wait = time.Hour
		}

		select {
		case <-ctx.Done():
			return
		case <-e.table.Wake():
		case <-time.After(wait):
		}
	}
}

// Wait blocks until Run returns, for orderly shutdown sequencing.
func (e *Engine) Wait() { e.wg.Wait() }

func timeNow() time.Time { return time.Now() }

func (e *Engine) process(ctx context.Context, item *session.DeadlineItemView) {
	entry := item.Entry
	if item.IsTTL() {
		e.evictOnTimeout(ctx, entry)
		return
	}
	e.runIdleCheck(ctx, entry)
}

func (e *Engine) evictOnTimeout(ctx context.Context, entry *session.Entry) {
	e.log.DebugSession("lifecycle: TTL expired, evicting", "ssrc", entry.SSRC, "stream_id", entry.StreamID)
	e.table.Remove(entry.SSRC)
	e.hooks.Fire(ctx, HookStreamInputTimeout, streamTimeoutInfo{StreamID: entry.StreamID, SSRC: entry.SSRC})
}

// runIdleCheck re-verifies the entry is still a genuine idle candidate
// (user_count == 0, no recording sink) before consulting the signalling
// layer, since state may have changed between scheduling and firing.
func (e *Engine) runIdleCheck(ctx context.Context, entry *session.Entry) {
	if entry.UserCount() != 0 || entry.HasRecordingSink() {
		return
	}

	reply, ok := e.hooks.FireIdleCheck(ctx, streamIdleInfo{StreamID: entry.StreamID, SSRC: entry.SSRC})
	if !ok {
		// Hook unreachable after retries: leave the session live and let the
		// TTL path eventually reclaim it if traffic also stops.
		return
	}
	if reply.Close {
		e.log.DebugSession("lifecycle: idle check closed session", "ssrc", entry.SSRC)
		e.table.Remove(entry.SSRC)
		return
	}
	e.table.ExtendIdleGrace(entry.SSRC, reply.ExtraGrace)
}
