// Package vault implements the pooled share vault. Each vault tracks a share
// ledger keyed by position id plus pool-level totals, issues shares at the
// current exchange rate, and redeems them for the underlying asset.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// Config describes a single vault.
type Config struct {
	Address  common.Address
	Name     string
	Symbol   string
	YieldBps int // simulated harvest yield when no explicit amount is given
}

// Vault is a pooled share vault. Deposit and Withdraw run inside a caller's
// ledger transaction; Harvest and the queries open their own.
type Vault struct {
	cfg    Config
	store  domain.LedgerStore
	assets domain.AssetAdapter
	yield  domain.YieldSource
	logger *slog.Logger
}

// New creates a Vault. assets must be scoped to cfg.Address.
func New(cfg Config, store domain.LedgerStore, assets domain.AssetAdapter, yield domain.YieldSource, logger *slog.Logger) *Vault {
	return &Vault{
		cfg:    cfg,
		store:  store,
		assets: assets,
		yield:  yield,
		logger: logger.With(slog.String("component", "vault"), slog.String("vault", cfg.Address.Hex())),
	}
}

// Address returns the vault's account address, which is also its reference.
func (v *Vault) Address() common.Address {
	return v.cfg.Address
}

// Init creates the vault's ledger row if it does not exist yet.
func (v *Vault) Init(ctx context.Context) error {
	_, err := v.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		_, err := tx.Vault(ctx, v.cfg.Address)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.PutVault(ctx, domain.VaultState{
			Address:     v.cfg.Address,
			Name:        v.cfg.Name,
			Symbol:      v.cfg.Symbol,
			TotalShares: new(big.Int),
			TotalAssets: new(big.Int),
		})
	})
	if err != nil {
		return fmt.Errorf("vault: init %s: %w", v.cfg.Address.Hex(), err)
	}
	return nil
}

// Deposit issues shares to position id for amount, funded by src pushing
// amount into the vault. The push is the last step so a failed transfer
// aborts the caller's transaction with no ledger change applied.
func (v *Vault) Deposit(ctx context.Context, tx domain.LedgerTx, src domain.AssetAdapter, id domain.PositionID, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("vault: deposit: %w", domain.ErrInvalidAmount)
	}
	state, err := tx.Vault(ctx, v.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("vault: deposit: load state: %w", err)
	}
	held, err := tx.Shares(ctx, v.cfg.Address, id)
	if err != nil {
		return nil, fmt.Errorf("vault: deposit: load shares: %w", err)
	}
	if held.Sign() != 0 {
		return nil, fmt.Errorf("vault: deposit: position %s: %w", id, domain.ErrAlreadyStaked)
	}

	shares := SharesForDeposit(amount, state.TotalShares, state.TotalAssets)
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("vault: deposit of %s rounds to zero shares: %w", amount, domain.ErrInvalidAmount)
	}

	state.TotalAssets = new(big.Int).Add(state.TotalAssets, amount)
	state.TotalShares = new(big.Int).Add(state.TotalShares, shares)
	if err := tx.PutVault(ctx, state); err != nil {
		return nil, fmt.Errorf("vault: deposit: %w", err)
	}
	if err := tx.PutShares(ctx, v.cfg.Address, id, shares); err != nil {
		return nil, fmt.Errorf("vault: deposit: %w", err)
	}

	ev := domain.NewEvent(domain.EventDepositRecorded, id)
	ev.From = src.Holder()
	ev.To = v.cfg.Address
	ev.Vault = v.cfg.Address
	ev.Amount = domain.CopyAmount(amount)
	ev.Shares = domain.CopyAmount(shares)
	if err := tx.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("vault: deposit: %w", err)
	}

	if err := src.Push(ctx, v.cfg.Address, amount); err != nil {
		return nil, fmt.Errorf("vault: deposit: %w", err)
	}
	return shares, nil
}

// Withdraw redeems every share held by position id and sends the proceeds
// to receiver. It fails with ErrNoShares when the position holds none.
func (v *Vault) Withdraw(ctx context.Context, tx domain.LedgerTx, id domain.PositionID, receiver common.Address) (*big.Int, error) {
	shares, err := tx.Shares(ctx, v.cfg.Address, id)
	if err != nil {
		return nil, fmt.Errorf("vault: withdraw: load shares: %w", err)
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("vault: withdraw: position %s: %w", id, domain.ErrNoShares)
	}
	state, err := tx.Vault(ctx, v.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("vault: withdraw: load state: %w", err)
	}

	amount := AssetsForShares(shares, state.TotalShares, state.TotalAssets)
	state.TotalAssets = new(big.Int).Sub(state.TotalAssets, amount)
	state.TotalShares = new(big.Int).Sub(state.TotalShares, shares)
	if err := tx.PutVault(ctx, state); err != nil {
		return nil, fmt.Errorf("vault: withdraw: %w", err)
	}
	if err := tx.DeleteShares(ctx, v.cfg.Address, id); err != nil {
		return nil, fmt.Errorf("vault: withdraw: %w", err)
	}

	ev := domain.NewEvent(domain.EventWithdrawalRecorded, id)
	ev.From = v.cfg.Address
	ev.To = receiver
	ev.Vault = v.cfg.Address
	ev.Amount = domain.CopyAmount(amount)
	ev.Shares = domain.CopyAmount(shares)
	if err := tx.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("vault: withdraw: %w", err)
	}

	if amount.Sign() > 0 {
		if err := v.assets.Push(ctx, receiver, amount); err != nil {
			return nil, fmt.Errorf("vault: withdraw: %w", err)
		}
	}
	return amount, nil
}

// Harvest adds yield to the pool without minting shares, raising the value
// of every outstanding share. A nil amount applies the configured yield
// rate to the current total assets. Harvesting an empty pool fails with
// ErrNoShares.
func (v *Vault) Harvest(ctx context.Context, amount *big.Int) (domain.VaultState, []domain.Event, error) {
	var after domain.VaultState
	events, err := v.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		state, err := tx.Vault(ctx, v.cfg.Address)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if state.Empty() {
			return domain.ErrNoShares
		}

		yield := amount
		if yield == nil {
			yield = YieldFromBps(state.TotalAssets, v.cfg.YieldBps)
		}
		if yield.Sign() <= 0 {
			return domain.ErrInvalidAmount
		}

		state.TotalAssets = new(big.Int).Add(state.TotalAssets, yield)
		if err := tx.PutVault(ctx, state); err != nil {
			return err
		}

		ev := domain.NewEvent(domain.EventYieldHarvested, 0)
		ev.To = v.cfg.Address
		ev.Vault = v.cfg.Address
		ev.Amount = domain.CopyAmount(yield)
		if err := tx.RecordEvent(ctx, ev); err != nil {
			return err
		}

		if err := v.yield.Fund(ctx, v.cfg.Address, yield); err != nil {
			return err
		}
		after = state.Clone()
		return nil
	})
	if err != nil {
		return domain.VaultState{}, nil, fmt.Errorf("vault: harvest %s: %w", v.cfg.Address.Hex(), err)
	}

	v.logger.InfoContext(ctx, "yield harvested",
		slog.String("total_assets", after.TotalAssets.String()),
		slog.String("total_shares", after.TotalShares.String()),
	)
	return after, events, nil
}

// State returns the vault's current totals.
func (v *Vault) State(ctx context.Context) (domain.VaultState, error) {
	var out domain.VaultState
	err := v.store.View(ctx, func(ctx context.Context, r domain.LedgerReader) error {
		var err error
		out, err = r.Vault(ctx, v.cfg.Address)
		return err
	})
	if err != nil {
		return domain.VaultState{}, fmt.Errorf("vault: state %s: %w", v.cfg.Address.Hex(), err)
	}
	return out, nil
}

// TotalAssets returns the assets currently held by the pool.
func (v *Vault) TotalAssets(ctx context.Context) (*big.Int, error) {
	s, err := v.State(ctx)
	if err != nil {
		return nil, err
	}
	return s.TotalAssets, nil
}

// TotalShares returns the sum of all outstanding shares.
func (v *Vault) TotalShares(ctx context.Context) (*big.Int, error) {
	s, err := v.State(ctx)
	if err != nil {
		return nil, err
	}
	return s.TotalShares, nil
}

// SharesOf returns the shares held by position id, zero when it has none.
func (v *Vault) SharesOf(ctx context.Context, id domain.PositionID) (*big.Int, error) {
	var out *big.Int
	err := v.store.View(ctx, func(ctx context.Context, r domain.LedgerReader) error {
		var err error
		out, err = r.Shares(ctx, v.cfg.Address, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault: shares of %s: %w", id, err)
	}
	return out, nil
}

// ConvertToShares previews the shares a deposit of amount would receive.
func (v *Vault) ConvertToShares(ctx context.Context, amount *big.Int) (*big.Int, error) {
	s, err := v.State(ctx)
	if err != nil {
		return nil, err
	}
	return SharesForDeposit(amount, s.TotalShares, s.TotalAssets), nil
}

// ConvertToAssets previews the assets shares would redeem for.
func (v *Vault) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	s, err := v.State(ctx)
	if err != nil {
		return nil, err
	}
	return AssetsForShares(shares, s.TotalShares, s.TotalAssets), nil
}

// Entries returns the vault's share ledger.
func (v *Vault) Entries(ctx context.Context) ([]domain.ShareEntry, error) {
	var out []domain.ShareEntry
	err := v.store.View(ctx, func(ctx context.Context, r domain.LedgerReader) error {
		var err error
		out, err = r.ShareEntries(ctx, v.cfg.Address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault: entries: %w", err)
	}
	return out, nil
}
