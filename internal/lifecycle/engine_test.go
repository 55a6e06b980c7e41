package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
	"github.com/epimore/gmv-stream/internal/session"
)

func TestEngineEvictsOnTTLExpiry(t *testing.T) {
	var timeoutFired int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+string(HookStreamInputTimeout) {
			atomic.AddInt32(&timeoutFired, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "msg": "success"})
	}))
	defer server.Close()

	table := session.New(30*time.Millisecond, time.Second)
	_, err := table.Insert(7, "S7", rtpdata.MediaExt{})
	require.NoError(t, err)

	hooks := NewHookClient(server.URL, logging.Default())
	engine := New(table, hooks, logging.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := table.Lookup(7)
		return !ok
	}, 250*time.Millisecond, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&timeoutFired) == 1 }, 250*time.Millisecond, 5*time.Millisecond)
}

func TestEngineIdleCheckCloseEvictsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success"})
	}))
	defer server.Close()

	table := session.New(time.Hour, 20*time.Millisecond)
	entry, err := table.Insert(9, "S9", rtpdata.MediaExt{})
	require.NoError(t, err)
	require.NoError(t, table.BumpUsers(9, 1))
	require.NoError(t, table.BumpUsers(9, -1)) // 1->0 schedules the idle probe

	hooks := NewHookClient(server.URL, logging.Default())
	engine := New(table, hooks, logging.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := table.Lookup(9)
		return !ok
	}, 250*time.Millisecond, 5*time.Millisecond)
	_ = entry
}

func TestEngineIdleCheckGrantsNewGrace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 2, "msg": "success"})
	}))
	defer server.Close()

	table := session.New(time.Hour, 20*time.Millisecond)
	_, err := table.Insert(11, "S11", rtpdata.MediaExt{})
	require.NoError(t, err)
	require.NoError(t, table.BumpUsers(11, 1))
	require.NoError(t, table.BumpUsers(11, -1))

	hooks := NewHookClient(server.URL, logging.Default())
	engine := New(table, hooks, logging.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go engine.Run(ctx)
	<-ctx.Done()
	engine.Wait()

	_, ok := table.Lookup(11)
	assert.True(t, ok, "a granted grace extension should keep the session alive")
}

func TestHookClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hooks := NewHookClient(server.URL, logging.Default())
	_, ok := hooks.FireIdleCheck(context.Background(), map[string]string{"stream_id": "x"})
	assert.False(t, ok)
	assert.Equal(t, int32(hookMaxAttempts), atomic.LoadInt32(&calls))
}
