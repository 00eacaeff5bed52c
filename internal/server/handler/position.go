package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/registry"
)

// PositionLedger is the part of the registry the position endpoints use.
type PositionLedger interface {
	Mint(ctx context.Context, caller common.Address, amount *big.Int) (domain.PositionID, error)
	Stake(ctx context.Context, caller common.Address, id domain.PositionID, ref common.Address) (*big.Int, error)
	Burn(ctx context.Context, caller common.Address, id domain.PositionID) (*big.Int, error)
	Transfer(ctx context.Context, caller common.Address, id domain.PositionID, to common.Address) error
	Holding(ctx context.Context, id domain.PositionID) (registry.Holding, error)
	PositionsOf(ctx context.Context, owner common.Address) ([]domain.Position, error)
	AllPositions(ctx context.Context) ([]domain.Position, error)
}

// PositionHandler serves /api/positions.
type PositionHandler struct {
	ledger PositionLedger
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(ledger PositionLedger, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{ledger: ledger, logger: logger.With(slog.String("handler", "positions"))}
}

type mintRequest struct {
	Amount string `json:"amount"`
}

// Mint infuses the caller's asset into a new position.
// POST /api/positions
func (h *PositionHandler) Mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.ledger.Mint(r.Context(), caller, amount)
	if err != nil {
		respondErr(w, r, h.logger, "mint", err)
		return
	}
	h.writeHolding(w, r, http.StatusCreated, id)
}

// List returns positions, optionally only those of ?owner=.
// GET /api/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		out []domain.Position
		err error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		addr, perr := parseAddress(owner)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		out, err = h.ledger.PositionsOf(r.Context(), addr)
	} else {
		out, err = h.ledger.AllPositions(r.Context())
	}
	if err != nil {
		respondErr(w, r, h.logger, "list positions", err)
		return
	}
	if out == nil {
		out = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Get returns a position with its shares and redeemable value.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	h.writeHolding(w, r, http.StatusOK, id)
}

type stakeRequest struct {
	Vault string `json:"vault"`
}

// Stake deposits the position into a vault.
// POST /api/positions/{id}/stake
func (h *PositionHandler) Stake(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := parseAddress(req.Vault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.ledger.Stake(r.Context(), caller, id, ref); err != nil {
		respondErr(w, r, h.logger, "stake", err)
		return
	}
	h.writeHolding(w, r, http.StatusOK, id)
}

// Burn destroys the position and pays out its value.
// POST /api/positions/{id}/burn
func (h *PositionHandler) Burn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	returned, err := h.ledger.Burn(r.Context(), caller, id)
	if err != nil {
		respondErr(w, r, h.logger, "burn", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "returned": domain.Dec(returned)})
}

type transferRequest struct {
	To string `json:"to"`
}

// Transfer hands the position to another owner.
// POST /api/positions/{id}/transfer
func (h *PositionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.Transfer(r.Context(), caller, id, to); err != nil {
		respondErr(w, r, h.logger, "transfer", err)
		return
	}
	h.writeHolding(w, r, http.StatusOK, id)
}

func (h *PositionHandler) writeHolding(w http.ResponseWriter, r *http.Request, status int, id domain.PositionID) {
	holding, err := h.ledger.Holding(r.Context(), id)
	if err != nil {
		respondErr(w, r, h.logger, "load position", err)
		return
	}
	writeJSON(w, status, holding)
}

func positionID(w http.ResponseWriter, r *http.Request) (domain.PositionID, bool) {
	id, err := domain.ParsePositionID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}
