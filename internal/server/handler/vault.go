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

// VaultLedger is the part of the registry the vault endpoints use.
type VaultLedger interface {
	Vaults(ctx context.Context) ([]domain.VaultState, error)
	VaultDetail(ctx context.Context, ref common.Address) (registry.VaultDetail, error)
	Harvest(ctx context.Context, ref common.Address, amount *big.Int) (domain.VaultState, error)
}

// HarvestPolicy says who may harvest and how much at once. With no
// operators nobody may harvest over the API; with a nil MaxAmount only the
// configured yield rate may be applied.
type HarvestPolicy struct {
	Operators []common.Address
	MaxAmount *big.Int
}

func (p HarvestPolicy) isOperator(a common.Address) bool {
	for _, op := range p.Operators {
		if op == a {
			return true
		}
	}
	return false
}

// VaultHandler serves /api/vaults.
type VaultHandler struct {
	ledger VaultLedger
	policy HarvestPolicy
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(ledger VaultLedger, policy HarvestPolicy, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{ledger: ledger, policy: policy, logger: logger.With(slog.String("handler", "vaults"))}
}

// List returns every vault's totals.
// GET /api/vaults
func (h *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.ledger.Vaults(r.Context())
	if err != nil {
		respondErr(w, r, h.logger, "list vaults", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

// Get returns one vault with its share ledger.
// GET /api/vaults/{ref}
func (h *VaultHandler) Get(w http.ResponseWriter, r *http.Request) {
	ref, err := parseAddress(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.ledger.VaultDetail(r.Context(), ref)
	if err != nil {
		respondErr(w, r, h.logger, "get vault", err)
		return
	}
	if d.Entries == nil {
		d.Entries = []domain.ShareEntry{}
	}
	writeJSON(w, http.StatusOK, d)
}

type harvestRequest struct {
	// Amount is optional; empty applies the configured yield rate.
	Amount string `json:"amount,omitempty"`
}

// Harvest adds yield to a vault. Operators only.
// POST /api/vaults/{ref}/harvest
func (h *VaultHandler) Harvest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if !h.policy.isOperator(caller) {
		writeError(w, http.StatusForbidden, "harvest is restricted to operators")
		return
	}
	ref, err := parseAddress(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req harvestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if amount != nil && (h.policy.MaxAmount == nil || amount.Cmp(h.policy.MaxAmount) > 0) {
		writeError(w, http.StatusBadRequest, "harvest amount exceeds harvest.max_amount")
		return
	}
	state, err := h.ledger.Harvest(r.Context(), ref, amount)
	if err != nil {
		respondErr(w, r, h.logger, "harvest", err)
		return
	}
	h.logger.InfoContext(r.Context(), "harvest requested",
		slog.String("vault", ref.Hex()),
		slog.String("operator", caller.Hex()),
	)
	writeJSON(w, http.StatusOK, state)
}
