package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/apperr"
)

// frame builds a length-prefixed RFC 4571 frame around an RTP-looking
// payload (version bits 10 in the first byte).
func frame(payload []byte) []byte {
	length := len(payload)
	out := []byte{byte(length >> 8), byte(length)}
	return append(out, payload...)
}

func rtpPayload(marker byte) []byte {
	return []byte{0x80, marker, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
}

func TestSplitterEmitsOneFrameAtATime(t *testing.T) {
	s := NewSplitter()
	frames, err := s.Feed(frame(rtpPayload(1)))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, rtpPayload(1), frames[0])
	assert.Equal(t, 0, s.Pending())
}

func TestSplitterRetainsPartialFrame(t *testing.T) {
	s := NewSplitter()
	full := frame(rtpPayload(2))

	frames, err := s.Feed(full[:3])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 3, s.Pending())

	frames, err = s.Feed(full[3:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, rtpPayload(2), frames[0])
}

func TestSplitterHandlesMultipleFramesInOneChunk(t *testing.T) {
	s := NewSplitter()
	chunk := append(frame(rtpPayload(1)), frame(rtpPayload(2))...)
	frames, err := s.Feed(chunk)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, rtpPayload(1), frames[0])
	assert.Equal(t, rtpPayload(2), frames[1])
}

func TestSplitterRejectsZeroLength(t *testing.T) {
	s := NewSplitter()
	_, err := s.Feed([]byte{0x00, 0x00})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProtocol))
}

func TestSplitterRejectsBadVersionByte(t *testing.T) {
	s := NewSplitter()
	bad := []byte{0x00, 0x01, 0x3f} // version bits 00, not 10
	_, err := s.Feed(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProtocol))
}
