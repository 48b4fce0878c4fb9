package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifest/storage/internal/engine"
	"github.com/manifest/storage/internal/wal"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	eng, err := engine.Open(engine.Config{
		Dir:             t.TempDir(),
		IntentTimeout:   200 * time.Millisecond,
		CompactInterval: time.Hour,
		Sync:            wal.SyncNone,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return NewRouter(zerolog.Nop(), eng)
}

func do(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeVersion(t *testing.T, rec *httptest.ResponseRecorder) uint64 {
	t.Helper()
	var resp struct {
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Version
}

func TestKeyLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/v1/keys/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/v1/keys/a", "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), decodeVersion(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/keys/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Storage-Version"))

	rec = do(t, h, http.MethodDelete, "/v1/keys/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), decodeVersion(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/keys/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/keys/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchEndpoint(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPut, "/v1/keys/a", "1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := `{"guards":[{"key":"a","version":1}],"ops":[{"op":"put","key":"a","value":"2"},{"op":"put","key":"b","value":"20"}]}`
	rec = do(t, h, http.MethodPost, "/v1/batch", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Stale guard: conflict, nothing applied.
	body = `{"guards":[{"key":"a","version":1}],"ops":[{"op":"put","key":"c","value":"x"}]}`
	rec = do(t, h, http.MethodPost, "/v1/batch", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/keys/c", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed op kind is rejected before touching the engine.
	body = `{"ops":[{"op":"upsert","key":"c","value":"x"}]}`
	rec = do(t, h, http.MethodPost, "/v1/batch", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotEndpoints(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPut, "/v1/keys/a", "old")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/snapshots", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var snap struct {
		ID      string `json:"id"`
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.Version)

	rec = do(t, h, http.MethodPut, "/v1/keys/a", "new")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/v1/snapshots/%s/keys/a", snap.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "old", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/keys/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", rec.Body.String())

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/v1/snapshots/%s", snap.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/v1/snapshots/%s/keys/a", snap.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/snapshots/not-a-uuid/keys/a", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodPut, "/v1/keys/a", "x")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Commits)
	assert.Equal(t, 1, stats.Keys)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{engine.ErrNotFound, http.StatusNotFound},
		{engine.ErrConflict, http.StatusConflict},
		{engine.ErrLockConflict, http.StatusLocked},
		{context.Canceled, http.StatusRequestTimeout},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{fmt.Errorf("commit: %w", context.Canceled), http.StatusRequestTimeout},
		{wal.ErrCorrupt, http.StatusInternalServerError},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", bytes.NewReader(nil))
	req.Header.Set("X-Request-ID", "abcd1234")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abcd1234", rec.Header().Get("X-Request-ID"))

	// Missing or malformed IDs get replaced with a fresh one.
	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}
