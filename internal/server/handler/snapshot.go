package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/service"
)

// SnapshotArchive takes, lists and verifies ledger snapshots.
type SnapshotArchive interface {
	Take(ctx context.Context) (service.SnapshotInfo, error)
	List(ctx context.Context) ([]domain.BlobInfo, error)
	Load(ctx context.Context, key string) (service.Snapshot, service.SignedSnapshot, error)
}

// SnapshotHandler serves /api/snapshots.
type SnapshotHandler struct {
	archive SnapshotArchive
	logger  *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(archive SnapshotArchive, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{archive: archive, logger: logger.With(slog.String("handler", "snapshots"))}
}

// Take writes a new signed snapshot.
// POST /api/snapshots
func (h *SnapshotHandler) Take(w http.ResponseWriter, r *http.Request) {
	info, err := h.archive.Take(r.Context())
	if err != nil {
		respondErr(w, r, h.logger, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// List returns stored snapshots, newest first.
// GET /api/snapshots
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.archive.List(r.Context())
	if err != nil {
		respondErr(w, r, h.logger, "list snapshots", err)
		return
	}
	if out == nil {
		out = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

// Get loads a stored snapshot and verifies its digest and signature. A
// snapshot that fails verification is reported as 422.
// GET /api/snapshots/{key...}
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, doc, err := h.archive.Load(r.Context(), r.PathValue("key"))
	if service.IsBadSnapshot(err) {
		h.logger.WarnContext(r.Context(), "snapshot failed verification",
			slog.String("key", r.PathValue("key")),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		respondErr(w, r, h.logger, "load snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"digest":   doc.Digest,
		"signer":   doc.Signer,
		"signed":   doc.Signature != "",
		"verified": true,
		"snapshot": json.RawMessage(doc.Snapshot),
	})
}
