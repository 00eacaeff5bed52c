package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// EventLog reads the ledger's event history.
type EventLog interface {
	Events(ctx context.Context, f domain.EventFilter) ([]domain.Event, error)
}

// EventHandler serves /api/events.
type EventHandler struct {
	log    EventLog
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(log EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{log: log, logger: logger.With(slog.String("handler", "events"))}
}

// List returns events newest first, filtered by ?kind=, ?position= and
// ?vault=.
// GET /api/events
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.EventFilter{ListOpts: parseListOpts(r), Kind: domain.EventKind(q.Get("kind"))}
	if s := q.Get("position"); s != "" {
		id, err := domain.ParsePositionID(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.PositionID = id
	}
	if s := q.Get("vault"); s != "" {
		addr, err := parseAddress(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Vault = addr
	}

	out, err := h.log.Events(r.Context(), f)
	if err != nil {
		respondErr(w, r, h.logger, "list events", err)
		return
	}
	if out == nil {
		out = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
