package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/vault"
)

// Holding is a position together with its current standing in the pool.
type Holding struct {
	Position domain.Position `json:"position"`
	Shares   *big.Int        `json:"shares"` // zero when unstaked
	Value    *big.Int        `json:"value"`  // current redeemable value
}

func (h Holding) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Position domain.Position `json:"position"`
		Shares   *domain.Decimal `json:"shares"`
		Value    *domain.Decimal `json:"value"`
	}{h.Position, domain.Dec(h.Shares), domain.Dec(h.Value)})
}

// VaultDetail is a vault's totals together with its share ledger.
type VaultDetail struct {
	State   domain.VaultState   `json:"state"`
	Entries []domain.ShareEntry `json:"entries"`
}

// Position returns the position with the given id.
func (r *Registry) Position(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	var p domain.Position
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		var err error
		p, err = rd.Position(ctx, id)
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("registry: position %s: %w", id, err)
	}
	return p, nil
}

// InfusedAmountOf returns the amount credited to the position at mint.
func (r *Registry) InfusedAmountOf(ctx context.Context, id domain.PositionID) (*big.Int, error) {
	p, err := r.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.InfusedAmount, nil
}

// StakeTargetOf returns where the position is staked, if anywhere.
func (r *Registry) StakeTargetOf(ctx context.Context, id domain.PositionID) (domain.StakeTarget, error) {
	p, err := r.Position(ctx, id)
	if err != nil {
		return domain.StakeTarget{}, err
	}
	return p.Stake, nil
}

// OwnerOf returns the position's current owner.
func (r *Registry) OwnerOf(ctx context.Context, id domain.PositionID) (common.Address, error) {
	p, err := r.Position(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	return p.Owner, nil
}

// PositionsOf lists the positions owned by owner in id order.
func (r *Registry) PositionsOf(ctx context.Context, owner common.Address) ([]domain.Position, error) {
	var out []domain.Position
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		var err error
		out, err = rd.PositionsByOwner(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry: positions of %s: %w", owner.Hex(), err)
	}
	return out, nil
}

// AllPositions lists every live position in id order.
func (r *Registry) AllPositions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		var err error
		out, err = rd.Positions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry: positions: %w", err)
	}
	return out, nil
}

// BalanceOf returns how many positions owner holds.
func (r *Registry) BalanceOf(ctx context.Context, owner common.Address) (int, error) {
	ps, err := r.PositionsOf(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(ps), nil
}

// ValueOf returns what burning the position would pay right now.
func (r *Registry) ValueOf(ctx context.Context, id domain.PositionID) (*big.Int, error) {
	h, err := r.Holding(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.Value, nil
}

// Holding returns the position with its shares and redeemable value read
// from one consistent view of the ledger.
func (r *Registry) Holding(ctx context.Context, id domain.PositionID) (Holding, error) {
	var h Holding
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		p, err := rd.Position(ctx, id)
		if err != nil {
			return err
		}
		h.Position = p
		switch p.Stake.Kind {
		case domain.StakeVault:
			shares, err := rd.Shares(ctx, p.Stake.Vault, id)
			if err != nil {
				return err
			}
			state, err := rd.Vault(ctx, p.Stake.Vault)
			if err != nil {
				return err
			}
			h.Shares = shares
			h.Value = vault.AssetsForShares(shares, state.TotalShares, state.TotalAssets)
		default:
			h.Shares = new(big.Int)
			h.Value = domain.CopyAmount(p.InfusedAmount)
		}
		return nil
	})
	if err != nil {
		return Holding{}, fmt.Errorf("registry: holding %s: %w", id, err)
	}
	return h, nil
}

// VaultDetail returns the vault's totals and share ledger from one view.
func (r *Registry) VaultDetail(ctx context.Context, ref common.Address) (VaultDetail, error) {
	if _, err := r.Vault(ref); err != nil {
		return VaultDetail{}, err
	}
	var d VaultDetail
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		var err error
		if d.State, err = rd.Vault(ctx, ref); err != nil {
			return err
		}
		d.Entries, err = rd.ShareEntries(ctx, ref)
		return err
	})
	if err != nil {
		return VaultDetail{}, fmt.Errorf("registry: vault %s: %w", ref.Hex(), err)
	}
	return d, nil
}

// Events returns recorded ledger events, newest first.
func (r *Registry) Events(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	err := r.store.View(ctx, func(ctx context.Context, rd domain.LedgerReader) error {
		var err error
		out, err = rd.Events(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry: events: %w", err)
	}
	return out, nil
}
