package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VaultState holds the pool-level totals of a share vault.
type VaultState struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	TotalShares *big.Int       `json:"total_shares"`
	TotalAssets *big.Int       `json:"total_assets"`
}

// Clone returns a copy that shares no big.Int with v.
func (v VaultState) Clone() VaultState {
	out := v
	out.TotalShares = CopyAmount(v.TotalShares)
	out.TotalAssets = CopyAmount(v.TotalAssets)
	return out
}

// Empty reports whether the vault has no outstanding shares.
func (v VaultState) Empty() bool {
	return v.TotalShares == nil || v.TotalShares.Sign() == 0
}

// ShareEntry is a single row of a vault's share ledger.
type ShareEntry struct {
	Vault      common.Address `json:"vault"`
	PositionID PositionID     `json:"position_id"`
	Shares     *big.Int       `json:"shares"`
}
