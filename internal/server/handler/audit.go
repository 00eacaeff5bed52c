package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// AuditLog lists audit entries newest first.
type AuditLog interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves /api/audit.
type AuditHandler struct {
	log    AuditLog
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(log AuditLog, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: logger.With(slog.String("handler", "audit"))}
}

// List returns faucet drips, snapshot writes and other audited actions.
// ?since= and ?until= take RFC 3339 timestamps.
// GET /api/audit
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name+" timestamp")
			return
		}
		*p.dst = &t
	}

	out, err := h.log.List(r.Context(), opts)
	if err != nil {
		respondErr(w, r, h.logger, "list audit", err)
		return
	}
	if out == nil {
		out = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
