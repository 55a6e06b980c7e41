package muxer

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// mp4Sink records a download to disk. It writes no MP4 boxes (no ftyp,
// moov or moof): the file is every frame's data, audio and video alike,
// each preceded by a 4-byte big-endian length. A file is written only when
// a path has been set with SetPath before the first Write; nothing in this
// repository calls SetPath, so the sink as opened by the hub keeps only the
// sample bookkeeping.
//
// No finalization step and no end_record signal exist here; the sink
// tracks the sample count and duration and exposes them via Stats.
type mp4Sink struct {
	ext rtpdata.MediaExt

	mu           sync.Mutex
	file         *os.File
	path         string
	sampleCount  int
	firstTS      uint32
	lastTS       uint32
	haveFirst    bool
}

func newMP4Sink(ext rtpdata.MediaExt) *mp4Sink {
	return &mp4Sink{ext: ext}
}

func (s *mp4Sink) Kind() MuxerKind { return KindMp4 }
func (s *mp4Sink) sealed()         {}

// SetPath assigns the on-disk destination; must be called before the first
// Write. Left unset, Write is a durability no-op (sample bookkeeping only),
// which lets tests exercise the sink without touching the filesystem.
func (s *mp4Sink) SetPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
}

// Header returns nil: the sink has no header chunk analogous to FLV's fixed
// signature. The first Write call lazily opens the file (when a path is
// set) and writes no header boxes to it.
func (s *mp4Sink) Header() []byte { return nil }

func (s *mp4Sink) Write(f rtpdata.ElementaryFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" && s.file == nil {
		file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		s.file = file
	}

	if !s.haveFirst {
		s.firstTS = f.Timestamp
		s.haveFirst = true
	}
	s.lastTS = f.Timestamp
	s.sampleCount++

	if s.file != nil {
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(f.Data)))
		if _, err := s.file.Write(lenPrefix[:]); err != nil {
			return err
		}
		if _, err := s.file.Write(f.Data); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying file, if one was opened. It writes nothing
// more to it: no boxes are rewritten and no durations are recorded.
func (s *mp4Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Stats reports sample count and duration for the finalization step.
func (s *mp4Sink) Stats() (samples int, durationTicks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleCount, s.lastTS - s.firstTS
}
