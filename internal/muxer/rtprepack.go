package muxer

import (
	"math/rand"
	"sync"

	"github.com/pion/rtp"

	"github.com/epimore/gmv-stream/internal/rtpdata"
)

// rtpRepackSink repackages elementary frames back into RTP, for the three
// pass-through variants. All three put the raw frame data in the payload;
// RtpPs differs only in using payload type 98 (the frame is not packed into
// MPEG-PS), and RtpEnc is framed exactly like RtpFrame with no encryption.
// The sink picks its own random SSRC and starting sequence number, and the
// sequence counter is private to it; each packet's timestamp is copied
// from the frame. Packets are built with github.com/pion/rtp, the same
// library the teacher already depends on for inbound parsing.
type rtpRepackSink struct {
	kind MuxerKind
	ext  rtpdata.MediaExt

	mu      sync.Mutex
	ssrc    uint32
	seq     uint16
	pending []byte
}

func newRTPRepackSink(kind MuxerKind, ext rtpdata.MediaExt) *rtpRepackSink {
	return &rtpRepackSink{
		kind: kind,
		ext:  ext,
		ssrc: rand.Uint32(),
		seq:  uint16(rand.Uint32()),
	}
}

func (s *rtpRepackSink) Kind() MuxerKind { return s.kind }
func (s *rtpRepackSink) sealed()         {}

// Header is empty: RTP pass-through sinks have no container header, only a
// stream of packets.
func (s *rtpRepackSink) Header() []byte { return nil }

func (s *rtpRepackSink) payloadType() uint8 {
	if s.kind == KindRtpPs {
		return 98
	}
	if s.ext.HasVideo {
		return s.ext.VideoPayloadType
	}
	return s.ext.AudioPayloadType
}

func (s *rtpRepackSink) Write(f rtpdata.ElementaryFrame) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.Kind != rtpdata.FrameAudio,
			PayloadType:    s.payloadType(),
			SequenceNumber: s.nextSeq(),
			Timestamp:      f.Timestamp,
			SSRC:           s.ssrc,
		},
		Payload: f.Data,
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = append(s.pending, raw...)
	s.mu.Unlock()
	return nil
}

func (s *rtpRepackSink) nextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	s.seq++
	return seq
}

func (s *rtpRepackSink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

func (s *rtpRepackSink) Close() error { return nil }
