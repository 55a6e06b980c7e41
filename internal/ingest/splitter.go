package ingest

import (
	"fmt"

	"github.com/epimore/gmv-stream/internal/apperr"
)

// Splitter extracts RFC 4571-framed RTP packets (a 2-byte big-endian length
// prefix followed by that many payload bytes) from a per-connection byte
// stream. This is a direct RTP-over-TCP stream, not RTSP's '$'-channel
// interleaving, so there is no magic byte or channel id to skip — grounded
// on the accumulate/scan/split/retain-remainder idiom the teacher's
// ReadPackets loop and the original splitter both use, expressed here as a
// push-based Feed so it is testable without a live net.Conn.
type Splitter struct {
	buf []byte
}

// NewSplitter returns an empty splitter for one new TCP connection.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Feed appends chunk to the accumulator and extracts every complete frame it
// now contains. It returns the frames found, in order, plus the first error
// encountered; on error the caller must close the connection (a malformed
// length or RTP version mismatch corrupts the remaining stream framing).
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for {
		if len(s.buf) < 2 {
			return frames, nil
		}
		length := int(s.buf[0])<<8 | int(s.buf[1])
		if length == 0 {
			return frames, fmt.Errorf("ingest: splitter: %w: zero-length frame", apperr.ErrProtocol)
		}
		if len(s.buf) < 2+length {
			return frames, nil
		}

		frame := s.buf[2 : 2+length]
		if version := frame[0] >> 6; version != 2 {
			return frames, fmt.Errorf("ingest: splitter: %w: rtp version %d", apperr.ErrProtocol, version)
		}

		out := make([]byte, length)
		copy(out, frame)
		frames = append(frames, out)

		s.buf = s.buf[2+length:]
	}
}

// Pending returns the number of bytes retained waiting for the rest of a
// frame (exposed for diagnostics/tests, not used by production control flow).
func (s *Splitter) Pending() int {
	return len(s.buf)
}
