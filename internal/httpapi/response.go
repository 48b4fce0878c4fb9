package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/manifest/storage/internal/engine"
	"github.com/manifest/storage/internal/wal"
)

type versionResponse struct {
	Version uint64 `json:"version"`
}

type snapshotResponse struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

type errorResponse struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type batchRequest struct {
	Guards []batchGuard `json:"guards,omitempty"`
	Ops    []batchOp    `json:"ops"`
}

type batchGuard struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

type batchOp struct {
	Op    string `json:"op"` // "put" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds onto HTTP statuses: recoverable
// outcomes get 4xx codes the client can retry on, corruption and I/O
// failures surface as 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not_found", Detail: err.Error()})
	case errors.Is(err, engine.ErrSnapshotNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "snapshot_not_found", Detail: err.Error()})
	case errors.Is(err, engine.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Kind: "conflict", Detail: err.Error()})
	case errors.Is(err, engine.ErrLockConflict):
		writeJSON(w, http.StatusLocked, errorResponse{Kind: "lock_conflict", Detail: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away or ran out of time mid-write; not a server
		// fault.
		writeJSON(w, http.StatusRequestTimeout, errorResponse{Kind: "canceled", Detail: err.Error()})
	case errors.Is(err, wal.ErrCorrupt):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Kind: "corruption", Detail: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Kind: "internal", Detail: err.Error()})
	}
}
