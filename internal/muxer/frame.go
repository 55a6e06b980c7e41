package muxer

import (
	"encoding/binary"
	"sync"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// rawFrameSink forwards elementary frames with a minimal length-prefixed
// framing and no container semantics at all — the "Frame" muxer kind,
// intended for local consumers (e.g. a future transcoding or snapshot
// pipeline) that want decoded access units without FLV/MP4/HLS/RTP framing
// overhead.
type rawFrameSink struct {
	mu      sync.Mutex
	pending []byte
}

func newRawFrameSink() *rawFrameSink {
	return &rawFrameSink{}
}

func (s *rawFrameSink) Kind() MuxerKind { return KindFrame }
func (s *rawFrameSink) sealed()         {}
func (s *rawFrameSink) Header() []byte  { return nil }

func (s *rawFrameSink) Write(f rtpdata.ElementaryFrame) error {
	var head [9]byte
	head[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(head[1:5], f.Timestamp)
	binary.BigEndian.PutUint32(head[5:9], uint32(len(f.Data)))

	s.mu.Lock()
	s.pending = append(s.pending, head[:]...)
	s.pending = append(s.pending, f.Data...)
	s.mu.Unlock()
	return nil
}

func (s *rawFrameSink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

func (s *rawFrameSink) Close() error { return nil }
