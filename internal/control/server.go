// Package control implements the signalling-facing Control API (spec.md §6):
// POST /listen/ssrc registers a session before any RTP arrives, POST
// /rtp/media attaches the SDP/codec mapping for one already-registered
// SSRC. Grounded on pkg/api/server.go's ServeMux/middleware/http.Server
// registration style.
package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/epimore/gmv-stream/internal/apperr"
	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
	"github.com/epimore/gmv-stream/internal/streamid"
)

// ListenSSRCRequest is the POST /listen/ssrc body: the signalling layer
// tells the broker which SSRC to expect for a given device/channel before
// any packet arrives.
type ListenSSRCRequest struct {
	SSRC      uint32 `json:"ssrc"`
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
}

// ListenSSRCResponse carries the stream_id the playback URL must use.
type ListenSSRCResponse struct {
	StreamID string `json:"stream_id"`
}

// RTPMediaRequest is the POST /rtp/media body: an already-registered SSRC's
// codec mapping, given as a raw SDP blob.
type RTPMediaRequest struct {
	SSRC uint32 `json:"ssrc"`
	SDP  string `json:"sdp"`
}

// Server exposes the two Control API handlers over a *session.Table.
type Server struct {
	table *session.Table
	log   *logging.Logger

	httpServer *http.Server
}

// New builds a Control API server bound to table.
func New(table *session.Table, log *logging.Logger) *Server {
	return &Server{table: table, log: log}
}

// Start begins serving on addr; it returns once the listener is up or
// immediately fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/listen/ssrc", s.handleListenSSRC)
	mux.HandleFunc("/rtp/media", s.handleRTPMedia)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
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

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("control: request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeEnvelope(w http.ResponseWriter, resp apperr.Resp) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleListenSSRC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, apperr.Resp{Code: 405, Msg: "method not allowed"})
		return
	}
	var req ListenSSRCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, apperr.Resp{Code: 400, Msg: "malformed request body"})
		return
	}

	ssrcDigits := fmt.Sprintf("%010d", req.SSRC)
	streamID, err := streamid.Encode(req.DeviceID, req.ChannelID, ssrcDigits)
	if err != nil {
		writeEnvelope(w, apperr.Resp{Code: 400, Msg: "cannot derive stream_id: " + err.Error()})
		return
	}

	if _, err := s.table.Insert(req.SSRC, streamID, rtpdata.MediaExt{}); err != nil {
		writeEnvelope(w, apperr.ServerError(err))
		return
	}
	writeEnvelope(w, apperr.OK(ListenSSRCResponse{StreamID: streamID}))
}

func (s *Server) handleRTPMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, apperr.Resp{Code: 405, Msg: "method not allowed"})
		return
	}
	var req RTPMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, apperr.Resp{Code: 400, Msg: "malformed request body"})
		return
	}

	entry, ok := s.table.Lookup(req.SSRC)
	if !ok {
		writeEnvelope(w, apperr.Resp{Code: 404, Msg: "unknown ssrc"})
		return
	}

	ext, err := parseSDPMediaExt(req.SDP)
	if err != nil {
		writeEnvelope(w, apperr.Resp{Code: 400, Msg: "cannot parse sdp: " + err.Error()})
		return
	}
	entry.SetMediaExt(ext)
	writeEnvelope(w, apperr.OK(nil))
}

// parseSDPMediaExt extracts video/audio payload types and codec names from
// an SDP body's media descriptions, using github.com/pion/sdp/v3 the same
// way the inbound RTP path already depends on the pion ecosystem.
func parseSDPMediaExt(raw string) (rtpdata.MediaExt, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return rtpdata.MediaExt{}, err
	}

	var ext rtpdata.MediaExt
	for _, media := range desc.MediaDescriptions {
		if len(media.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.ParseUint(media.MediaName.Formats[0], 10, 8)
		if err != nil {
			continue
		}
		codec, rate := rtpmapCodecAndRate(media, media.MediaName.Formats[0])

		switch media.MediaName.Media {
		case "video":
			ext.HasVideo = true
			ext.VideoPayloadType = uint8(pt)
			ext.VideoCodec = codec
			ext.VideoClockRate = rate
		case "audio":
			ext.HasAudio = true
			ext.AudioPayloadType = uint8(pt)
			ext.AudioCodec = codec
			ext.AudioClockRate = rate
		}
	}
	return ext, nil
}

// rtpmapCodecAndRate finds "a=rtpmap:<pt> <codec>/<rate>" for payload type pt
// and returns the codec name and clock rate; rate is 0 if absent or
// unparseable, leaving the caller to fall back to the codec's usual rate.
func rtpmapCodecAndRate(media *sdp.MediaDescription, pt string) (codec string, rate uint32) {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := attr.Value
		if len(fields) < len(pt)+1 || fields[:len(pt)] != pt || fields[len(pt)] != ' ' {
			continue
		}
		rest := fields[len(pt):]
		for len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
		}
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return rest, 0
		}
		codec = rest[:slash]
		rateStr := rest[slash+1:]
		if end := strings.IndexByte(rateStr, '/'); end >= 0 {
			rateStr = rateStr[:end]
		}
		parsed, err := strconv.ParseUint(rateStr, 10, 32)
		if err != nil {
			return codec, 0
		}
		return codec, uint32(parsed)
	}
	return "", 0
}
