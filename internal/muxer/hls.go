package muxer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

type hlsVariant int

const (
	hlsVariantTS hlsVariant = iota
	hlsVariantFMP4
)

// defaultSegmentDuration matches spec.md §4.G's default segment length.
const defaultSegmentDuration = 4 * time.Second

// defaultWindowSize is the number of segments kept in the sliding-window
// playlist. newHLSSink always uses it and defaultSegmentDuration; the
// HLS settings in config.Config are not passed to the sinks.
const defaultWindowSize = 6

type hlsSegment struct {
	seq      int
	duration time.Duration
	data     []byte
}

// hlsSink accumulates elementary frames into fixed-duration segments and
// keeps an in-memory sliding-window playlist, the same in-memory-only
// idiom the teacher uses for its queue/stats structures rather than any
// on-disk database (spec.md §4.G: "playlists kept in memory with a
// configurable sliding window").
type hlsSink struct {
	ext             rtpdata.MediaExt
	variant         hlsVariant
	segmentDuration time.Duration
	windowSize      int

	mu           sync.Mutex
	segments     []hlsSegment
	nextSeq      int
	current      []byte
	segmentStart uint32
	haveStart    bool
	clockRate    uint32
}

func newHLSSink(ext rtpdata.MediaExt, variant hlsVariant) *hlsSink {
	return &hlsSink{
		ext:             ext,
		variant:         variant,
		segmentDuration: defaultSegmentDuration,
		windowSize:      defaultWindowSize,
		clockRate:       90000,
	}
}

func (s *hlsSink) Kind() MuxerKind {
	if s.variant == hlsVariantFMP4 {
		return KindHlsFmp4
	}
	return KindHlsTs
}
func (s *hlsSink) sealed() {}

// Header returns the initial media playlist text; for fMP4 an init segment
// would normally precede it, omitted here since no moov box writer exists
// yet (see mp4Sink's Close doc).
func (s *hlsSink) Header() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.playlistLocked())
}

func (s *hlsSink) Write(f rtpdata.ElementaryFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveStart {
		s.segmentStart = f.Timestamp
		s.haveStart = true
	}

	s.current = append(s.current, f.Data...)

	elapsed := time.Duration(f.Timestamp-s.segmentStart) * time.Second / time.Duration(s.clockRate)
	boundary := f.Kind == rtpdata.FrameVideo && f.IsKey && elapsed >= s.segmentDuration
	if boundary && len(s.current) > 0 {
		s.rotateLocked(elapsed)
	}
	return nil
}

func (s *hlsSink) rotateLocked(duration time.Duration) {
	seg := hlsSegment{seq: s.nextSeq, duration: duration, data: s.current}
	s.nextSeq++
	s.current = nil
	s.haveStart = false

	s.segments = append(s.segments, seg)
	if len(s.segments) > s.windowSize {
		s.segments = s.segments[len(s.segments)-s.windowSize:]
	}
}

func (s *hlsSink) playlistLocked() string {
	ext := "ts"
	if s.variant == hlsVariantFMP4 {
		ext = "m4s"
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(s.segmentDuration.Seconds()))
	if len(s.segments) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", s.segments[0].seq)
	}
	for _, seg := range s.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.duration.Seconds())
		fmt.Fprintf(&b, "segment%d.%s\n", seg.seq, ext)
	}
	return b.String()
}

// take returns the current playlist text as the broadcastable chunk;
// segments themselves are served individually by the playback layer via
// Segment.
func (s *hlsSink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return nil
	}
	return []byte(s.playlistLocked())
}

// Segment returns the raw bytes of segment seq, if still in the window.
func (s *hlsSink) Segment(seq int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.seq == seq {
			return seg.data, true
		}
	}
	return nil, false
}

func (s *hlsSink) Close() error { return nil }
