package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manifest/storage/internal/engine"
)

// maxValueBytes bounds a single PUT body.
const maxValueBytes = 16 * 1024 * 1024

// Handler adapts the engine facade to HTTP. It holds no state of its
// own; snapshot handles are resolved through the engine by ID.
type Handler struct {
	eng *engine.Engine
	log zerolog.Logger
}

// NewRouter wires the engine into a chi router with request-id,
// access-log and CORS middleware.
func NewRouter(log zerolog.Logger, eng *engine.Engine) http.Handler {
	h := &Handler{eng: eng, log: log}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return AccessLog(log, next) })
	r.Use(CORS)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.health)
	r.Get("/v1/stats", h.stats)

	r.Route("/v1/keys/{key}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.put)
		r.Delete("/", h.delete)
	})
	r.Post("/v1/batch", h.batch)

	r.Post("/v1/snapshots", h.beginSnapshot)
	r.Delete("/v1/snapshots/{id}", h.endSnapshot)
	r.Get("/v1/snapshots/{id}/keys/{key}", h.readAt)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Stats())
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	value, version, err := h.eng.GetVersioned(key)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Storage-Version", strconv.FormatUint(version, 10))
	_, _ = w.Write(value)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %w", err))
		return
	}
	if len(value) > maxValueBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse{Kind: "too_large", Detail: "value exceeds size limit"})
		return
	}
	version, err := h.eng.Put(r.Context(), key, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: version})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	version, err := h.eng.Delete(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: version})
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "bad_request", Detail: err.Error()})
		return
	}

	ops := make([]engine.Op, 0, len(req.Ops))
	for i, op := range req.Ops {
		switch op.Op {
		case "put":
			ops = append(ops, engine.Op{Kind: engine.OpPut, Key: []byte(op.Key), Value: []byte(op.Value)})
		case "delete":
			ops = append(ops, engine.Op{Kind: engine.OpDelete, Key: []byte(op.Key)})
		default:
			writeJSON(w, http.StatusBadRequest,
				errorResponse{Kind: "bad_request", Detail: fmt.Sprintf("op %d: unknown kind %q", i, op.Op)})
			return
		}
	}
	guards := make([]engine.Guard, 0, len(req.Guards))
	for _, g := range req.Guards {
		guards = append(guards, engine.Guard{Key: []byte(g.Key), Version: g.Version})
	}

	version, err := h.eng.Batch(r.Context(), ops, guards)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: version})
}

func (h *Handler) beginSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.BeginSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotResponse{ID: snap.ID.String(), Version: snap.Version})
}

func (h *Handler) endSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.resolveSnapshot(w, r)
	if !ok {
		return
	}
	h.eng.EndSnapshot(snap)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) readAt(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.resolveSnapshot(w, r)
	if !ok {
		return
	}
	key := []byte(chi.URLParam(r, "key"))
	value, err := h.eng.ReadAt(snap, key)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Storage-Snapshot", strconv.FormatUint(snap.Version, 10))
	_, _ = w.Write(value)
}

func (h *Handler) resolveSnapshot(w http.ResponseWriter, r *http.Request) (*engine.Snapshot, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "bad_request", Detail: "malformed snapshot id"})
		return nil, false
	}
	snap, ok := h.eng.SnapshotByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "snapshot_not_found", Detail: "no such snapshot"})
		return nil, false
	}
	return snap, true
}
