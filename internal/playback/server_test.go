package playback

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/lifecycle"
	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/muxer"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

func newTestFixture(t *testing.T) (*Server, *session.Table, *muxer.Hub, uint32) {
	t.Helper()
	table := session.New(8*time.Second, 6*time.Second)
	ext := rtpdata.MediaExt{HasVideo: true, VideoPayloadType: 96, VideoCodec: "H264"}
	entry, err := table.Insert(0x1001, "stream-1", ext)
	require.NoError(t, err)

	hub := muxer.NewHub(entry.SSRC, ext, table, logging.Default())
	go hub.Run(entry)

	// An empty base URL makes every hook a no-op, so handlePlay's
	// synchronous on_play/off_play calls do not spend their retry backoff
	// against an unreachable address.
	hooks := lifecycle.NewHookClient("", logging.Default().Logger)
	hubs := func(ssrc uint32) (*muxer.Hub, bool) {
		if ssrc == entry.SSRC {
			return hub, true
		}
		return nil, false
	}
	return New(table, hubs, hooks, logging.Default(), ""), table, hub, entry.SSRC
}

func TestHandlePlayRejectsMissingToken(t *testing.T) {
	srv, _, _, _ := newTestFixture(t)
	req := httptest.NewRequest("GET", "/play/stream-1,flv", nil)
	w := httptest.NewRecorder()
	srv.handlePlay(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestHandlePlayRejectsMismatchedToken(t *testing.T) {
	table := session.New(8*time.Second, 6*time.Second)
	hooks := lifecycle.NewHookClient("http://127.0.0.1:0", logging.Default().Logger)
	srv := New(table, func(uint32) (*muxer.Hub, bool) { return nil, false }, hooks, logging.Default(), "secret")

	req := httptest.NewRequest("GET", "/play/stream-1,flv?token=wrong", nil)
	w := httptest.NewRecorder()
	srv.handlePlay(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestHandlePlayRejectsUnknownStream(t *testing.T) {
	srv, _, _, _ := newTestFixture(t)
	req := httptest.NewRequest("GET", "/play/nope,flv?token=abc", nil)
	w := httptest.NewRecorder()
	srv.handlePlay(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestHandlePlayRejectsUnsupportedExtension(t *testing.T) {
	srv, _, _, _ := newTestFixture(t)
	req := httptest.NewRequest("GET", "/play/stream-1,weird?token=abc", nil)
	w := httptest.NewRecorder()
	srv.handlePlay(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestHandlePlayStreamsFLVHeaderThenFrames(t *testing.T) {
	srv, table, hub, ssrc := newTestFixture(t)

	done := make(chan struct{})
	var body []byte
	go func() {
		req := httptest.NewRequest("GET", "/play/stream-1,flv?token=abc", nil)
		w := httptest.NewRecorder()
		srv.handlePlay(w, req)
		body, _ = io.ReadAll(w.Result().Body)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, _ := table.Lookup(ssrc)
		return n != nil && n.UserCount() > 0
	}, time.Second, 5*time.Millisecond)

	hub.Push(rtpdata.ElementaryFrame{
		Kind:      rtpdata.FrameVideo,
		IsKey:     true,
		Timestamp: 1000,
		Data:      []byte{1, 2, 3, 4},
	})

	time.Sleep(50 * time.Millisecond)
	entry, _ := table.Lookup(ssrc)
	require.NotNil(t, entry)
	entry.Events.Publish(session.ControlEvent{Kind: session.EventClose})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlePlay did not return")
	}
	require.Greater(t, len(body), 13, "FLV header followed by at least one tag")
	assert.Equal(t, []byte("FLV"), body[:3])
}
