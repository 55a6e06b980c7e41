// Package playback implements the output playback endpoint (spec.md §4.H):
// GET /play/{stream_id},<ext>?token=<token> opens (or reuses) the requested
// muxer kind and streams its output to the client until disconnect.
// Grounded on pkg/api/server.go's ServeMux/http.Server/timeout idiom, and
// on the context-cancellation "detect client disconnect" shape
// original_source/stream/src/io/http/out/mod.rs uses (Go equivalent:
// r.Context().Done() plus an explicit flush loop, since net/http has no
// CloseNotifier-free portable substitute).
package playback

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/epimore/gmv-stream/internal/lifecycle"
	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/muxer"
	"github.com/epimore/gmv-stream/internal/session"
)

// HubLookup resolves the live muxer hub for ssrc, if a demuxer/hub pair has
// been started for it (i.e. the session reached State Live).
type HubLookup func(ssrc uint32) (*muxer.Hub, bool)

// subscribeRetries/subscribeInterval bound how long the handler waits for
// the hub goroutine to process an Open before giving up, since Open is
// asynchronous (delivered over the session's event bus).
const (
	subscribeRetries  = 40
	subscribeInterval = 25 * time.Millisecond
)

type playInfo struct {
	StreamID string `json:"stream_id"`
	SSRC     uint32 `json:"ssrc"`
}

// Server serves playback requests against a session table and a hub
// registry, firing on_play/off_play hooks paired with the stream's
// subscriber lifetime.
type Server struct {
	table *session.Table
	hubs  HubLookup
	hooks *lifecycle.HookClient
	log   *logging.Logger
	token string

	httpServer *http.Server
}

// New builds a playback Server. token is compared against the query
// parameter on every request (spec.md Non-goals: "the hook token is merely
// compared" — this is not an authentication scheme). An empty token
// disables the comparison, only requiring the parameter be present.
func New(table *session.Table, hubs HubLookup, hooks *lifecycle.HookClient, log *logging.Logger, token string) *Server {
	return &Server{table: table, hubs: hubs, hooks: hooks, log: log, token: token}
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/play/", s.handlePlay)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes the server immediately, including any active connections.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// parsePlayPath splits "/play/<stream_id>,<ext>" into its two components.
func parsePlayPath(path string) (streamID, ext string, ok bool) {
	rest := strings.TrimPrefix(path, "/play/")
	idx := strings.LastIndex(rest, ",")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func extToKind(ext string) (muxer.MuxerKind, bool) {
	switch ext {
	case "flv":
		return muxer.KindFlv, true
	case "m3u8", "ts":
		return muxer.KindHlsTs, true
	case "mp4":
		return muxer.KindMp4, true
	case "m4s":
		return muxer.KindHlsFmp4, true
	default:
		return 0, false
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if s.token != "" && token != s.token {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	streamID, ext, ok := parsePlayPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	entry, ok := s.table.LookupByStreamID(streamID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	kind, ok := extToKind(ext)
	if !ok {
		http.Error(w, "unsupported extension", http.StatusBadRequest)
		return
	}
	hub, ok := s.hubs(entry.SSRC)
	if !ok {
		http.NotFound(w, r)
		return
	}

	entry.Events.Publish(session.ControlEvent{Kind: session.EventOpenMuxer, Muxer: kind})

	var (
		ch     <-chan []byte
		header []byte
		unsub  func()
	)
	for attempt := 0; attempt < subscribeRetries; attempt++ {
		ch, header, unsub, ok = hub.Subscribe(kind)
		if ok {
			break
		}
		time.Sleep(subscribeInterval)
	}
	if !ok {
		http.Error(w, "muxer unavailable", http.StatusServiceUnavailable)
		return
	}
	defer unsub()

	if err := s.table.BumpUsers(entry.SSRC, 1); err != nil {
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}
	defer s.table.BumpUsers(entry.SSRC, -1)

	ctx := r.Context()
	s.hooks.Fire(ctx, lifecycle.HookOnPlay, playInfo{StreamID: streamID, SSRC: entry.SSRC})
	defer s.hooks.Fire(context.Background(), lifecycle.HookOffPlay, playInfo{StreamID: streamID, SSRC: entry.SSRC})

	w.Header().Set("Content-Type", contentTypeFor(ext))
	flusher, canFlush := w.(http.Flusher)

	if len(header) > 0 {
		if _, err := w.Write(header); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func contentTypeFor(ext string) string {
	switch ext {
	case "flv":
		return "video/x-flv"
	case "m3u8":
		return "application/vnd.apple.mpegurl"
	case "ts":
		return "video/mp2t"
	case "mp4", "m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

var _ = strconv.Itoa // reserved for future segment-sequence query parsing
