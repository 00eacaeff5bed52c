package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/service"
)

// AssetService is the reference asset ledger surface.
type AssetService interface {
	Account(ctx context.Context, addr common.Address) (service.Account, error)
	Approve(ctx context.Context, caller common.Address, amount *big.Int) (service.Account, error)
	Drip(ctx context.Context, caller common.Address, amount *big.Int) (service.Account, error)
}

// AssetHandler serves /api/assets and /api/faucet.
type AssetHandler struct {
	assets AssetService
	logger *slog.Logger
}

// NewAssetHandler creates an AssetHandler.
func NewAssetHandler(assets AssetService, logger *slog.Logger) *AssetHandler {
	return &AssetHandler{assets: assets, logger: logger.With(slog.String("handler", "assets"))}
}

// Account returns an address's balance and allowance to the registry.
// GET /api/assets/{address}
func (h *AssetHandler) Account(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := h.assets.Account(r.Context(), addr)
	if err != nil {
		respondErr(w, r, h.logger, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// Approve sets the caller's allowance to the registry.
// POST /api/assets/approve
func (h *AssetHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.withAmount(w, r, "approve", h.assets.Approve)
}

// Faucet mints test asset to the caller.
// POST /api/faucet
func (h *AssetHandler) Faucet(w http.ResponseWriter, r *http.Request) {
	h.withAmount(w, r, "faucet", h.assets.Drip)
}

func (h *AssetHandler) withAmount(
	w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, *big.Int) (service.Account, error),
) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := fn(r.Context(), caller, amount)
	if err != nil {
		respondErr(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
