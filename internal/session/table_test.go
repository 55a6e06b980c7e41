package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/apperr"
	"github.com/epimore/gmv-stream/internal/rtpdata"
)

func TestInsertDuplicateRejected(t *testing.T) {
	table := New(8*time.Second, 6*time.Second)
	_, err := table.Insert(1, "S1", rtpdata.MediaExt{})
	require.NoError(t, err)

	_, err = table.Insert(1, "S1-again", rtpdata.MediaExt{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSessionDuplicate))
}

func TestRefreshTransitionsPendingToLiveOnce(t *testing.T) {
	table := New(8*time.Second, 6*time.Second)
	_, err := table.Insert(42, "S42", rtpdata.MediaExt{})
	require.NoError(t, err)

	firstFired, err := table.Refresh(42, "10.0.0.1:5000", rtpdata.TransportUDP)
	require.NoError(t, err)
	assert.True(t, firstFired)

	secondFired, err := table.Refresh(42, "10.0.0.1:5000", rtpdata.TransportUDP)
	require.NoError(t, err)
	assert.False(t, secondFired)

	entry, ok := table.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, StateLive, entry.State())
}

func TestRefreshUnknownSSRC(t *testing.T) {
	table := New(8*time.Second, 6*time.Second)
	_, err := table.Refresh(99, "addr", rtpdata.TransportUDP)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSessionUnknown))
}

func TestRemoveClosesQueueAndEventBus(t *testing.T) {
	table := New(8*time.Second, 6*time.Second)
	entry, err := table.Insert(7, "S7", rtpdata.MediaExt{})
	require.NoError(t, err)

	removed, ok := table.Remove(7)
	require.True(t, ok)
	assert.Equal(t, entry, removed)
	assert.Equal(t, StateClosing, removed.State())

	_, stillOpen := <-entry.RTPRx()
	assert.False(t, stillOpen, "rtpRx must be closed so the demuxer observes EOS")

	_, present := table.Lookup(7)
	assert.False(t, present)
}

func TestBumpUsersSchedulesIdleProbeOnZero(t *testing.T) {
	table := New(8*time.Second, 50*time.Millisecond)
	entry, err := table.Insert(5, "S5", rtpdata.MediaExt{})
	require.NoError(t, err)
	_, err = table.Refresh(5, "addr", rtpdata.TransportUDP)
	require.NoError(t, err)

	require.NoError(t, table.BumpUsers(5, 1))
	assert.Equal(t, int32(1), entry.UserCount())

	require.NoError(t, table.BumpUsers(5, -1))
	assert.Equal(t, int32(0), entry.UserCount())

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		item, _, has := table.PopExpired(time.Now())
		if has && item != nil {
			assert.False(t, item.IsTTL())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected an idle-grace deadline to expire")
}

func TestAttachMuxerNoOpWhenAlreadyPresent(t *testing.T) {
	table := New(8*time.Second, 6*time.Second)
	_, err := table.Insert(3, "S3", rtpdata.MediaExt{})
	require.NoError(t, err)

	assert.True(t, table.AttachMuxer(3, MuxerFlv))
	assert.False(t, table.AttachMuxer(3, MuxerFlv))

	entry, _ := table.Lookup(3)
	assert.ElementsMatch(t, []MuxerKind{MuxerFlv}, entry.Muxers())
}
