package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/secretsync/internal/middleware"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/service"
	"github.com/atinyakov/secretsync/internal/tree"
)

// SyncService defines the snapshot operations required by the SyncHandler.
type SyncService interface {
	// Get returns the snapshot stored under name and its version.
	Get(ctx context.Context, login, name string) (tree.Snapshot, int64, error)
	// Put stores snap on top of baseVersion and returns the new version.
	Put(ctx context.Context, login, name string, baseVersion int64, snap tree.Snapshot) (int64, error)
	// List returns the snapshot names owned by login.
	List(ctx context.Context, login string) ([]string, error)
	// Delete removes the snapshot stored under name.
	Delete(ctx context.Context, login, name string) error
}

// SnapshotResponse is the body of GET /api/snapshot/{name}.
type SnapshotResponse struct {
	Version  int64         `json:"version"`
	Snapshot tree.Snapshot `json:"snapshot"`
}

// PutSnapshotRequest is the body of PUT /api/snapshot/{name}.
type PutSnapshotRequest struct {
	// BaseVersion is the version the client fetched, 0 if none existed.
	BaseVersion int64         `json:"base_version"`
	Snapshot    tree.Snapshot `json:"snapshot"`
}

// PutSnapshotResponse is the body returned after a successful PUT.
type PutSnapshotResponse struct {
	Version int64 `json:"version"`
}

// SyncHandler handles HTTP requests for snapshot synchronization.
type SyncHandler struct {
	SyncService SyncService
}

// Get handles GET /api/snapshot/{name}. It responds 404 when the user has
// never pushed a snapshot under that name.
func (h *SyncHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)

	snap, version, err := h.SyncService.Get(ctx, userID, chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, models.ErrSnapshotNotFound):
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{Version: version, Snapshot: snap})
}

// Put handles PUT /api/snapshot/{name}. A stale base_version yields 409 so
// the client can fetch and merge again.
func (h *SyncHandler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)

	var req PutSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	version, err := h.SyncService.Put(ctx, userID, chi.URLParam(r, "name"), req.BaseVersion, req.Snapshot)
	switch {
	case errors.Is(err, models.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, tree.ErrCorruptSnapshot), errors.Is(err, service.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, PutSnapshotResponse{Version: version})
}

// List handles GET /api/snapshots.
func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := h.SyncService.List(ctx, middleware.GetUserIDFromContext(ctx))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}

// Delete handles DELETE /api/snapshot/{name}. It responds 204 whether or not
// the snapshot existed.
func (h *SyncHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)

	err := h.SyncService.Delete(ctx, userID, chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, service.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
