package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/graph"
	laketesting "github.com/malbeclabs/silverlake/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	ready atomic.Bool
	stats []graph.StreamStats
}

func (f *fakePipeline) Ready() bool                { return f.ready.Load() }
func (f *fakePipeline) Stats() []graph.StreamStats { return f.stats }

func newTestServer(t *testing.T, p Pipeline, cp checkpoint.Store) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:      laketesting.NewLogger(),
		Pipeline:    p,
		Checkpoints: cp,
		Build:       BuildInfo{Version: "1.2.3", Commit: "abc", Date: "2025-03-01"},
	})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSilverlake_Server_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Pipeline: &fakePipeline{}})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: laketesting.NewLogger()})
	require.ErrorContains(t, err, "pipeline is required")
}

func TestSilverlake_Server_Health(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	s := newTestServer(t, p, nil)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/readyz").Code)

	p.ready.Store(true)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/readyz").Code)

	require.NoError(t, s.Shutdown(t.Context()))
	rec := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting down", rec.Body.String())
}

func TestSilverlake_Server_Version(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, &fakePipeline{}, nil).Handler(), "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var got BuildInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, BuildInfo{Version: "1.2.3", Commit: "abc", Date: "2025-03-01"}, got)
}

func TestSilverlake_Server_Streams(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{stats: []graph.StreamStats{
		{Name: "staging_bookings", Kind: "staging", Read: 3, Cursor: "3"},
		{Name: "silver_bookings", Kind: "validated", Upstream: "staging_bookings", Accepted: 2, Rejected: 1},
	}}
	p.ready.Store(true)
	cp := checkpoint.NewMemoryStore(nil, "run-1")
	require.NoError(t, cp.Save(t.Context(), "staging_bookings", "3"))
	s := newTestServer(t, p, cp)

	t.Run("lists every stream with checkpoints", func(t *testing.T) {
		t.Parallel()
		rec := get(t, s.Handler(), "/v1/streams")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got streamsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Ready)
		require.Len(t, got.Streams, 2)
		assert.Equal(t, int64(1), got.Streams[1].Rejected)
		require.Len(t, got.Checkpoints, 1)
		assert.Equal(t, "3", got.Checkpoints[0].Cursor)
		assert.Equal(t, "run-1", got.Checkpoints[0].RunID)
	})

	t.Run("returns one stream", func(t *testing.T) {
		t.Parallel()
		rec := get(t, s.Handler(), "/v1/streams/silver_bookings")
		require.Equal(t, http.StatusOK, rec.Code)
		var got graph.StreamStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, int64(2), got.Accepted)
		assert.Equal(t, "staging_bookings", got.Upstream)
	})

	t.Run("unknown stream is not found", func(t *testing.T) {
		t.Parallel()
		rec := get(t, s.Handler(), "/v1/streams/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
