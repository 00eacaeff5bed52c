// Package registry implements the position registry: it owns infused
// positions, enforces the mint/stake/burn lifecycle, and routes staked value
// through the share vaults.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/vault"
)

// Registry is the single point of truth for what each position is worth.
// Every mutating call is one ledger transaction: registry rows are written
// first, vault rows second, and the single asset transfer last.
type Registry struct {
	store     domain.LedgerStore
	assets    domain.AssetAdapter
	vaults    map[common.Address]*vault.Vault
	publisher domain.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Registry. assets must be scoped to the registry's own
// account. publisher may be nil.
func New(
	store domain.LedgerStore,
	assets domain.AssetAdapter,
	vaults []*vault.Vault,
	publisher domain.EventPublisher,
	logger *slog.Logger,
) *Registry {
	byAddr := make(map[common.Address]*vault.Vault, len(vaults))
	for _, v := range vaults {
		byAddr[v.Address()] = v
	}
	return &Registry{
		store:     store,
		assets:    assets,
		vaults:    byAddr,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "registry")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Address returns the registry's account on the asset ledger.
func (r *Registry) Address() common.Address {
	return r.assets.Holder()
}

// Vault returns the vault registered under ref.
func (r *Registry) Vault(ref common.Address) (*vault.Vault, error) {
	v, ok := r.vaults[ref]
	if !ok {
		return nil, fmt.Errorf("registry: vault %s: %w", ref.Hex(), domain.ErrUnknownVault)
	}
	return v, nil
}

// Mint pulls amount from caller and creates a new unstaked position.
func (r *Registry) Mint(ctx context.Context, caller common.Address, amount *big.Int) (domain.PositionID, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("registry: mint: %w", domain.ErrInvalidAmount)
	}

	var id domain.PositionID
	events, err := r.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		id, err = tx.NextPositionID(ctx)
		if err != nil {
			return err
		}
		p := domain.Position{
			ID:            id,
			Owner:         caller,
			InfusedAmount: domain.CopyAmount(amount),
			Stake:         domain.Unstaked(),
			MintedAt:      r.now(),
		}
		if err := tx.PutPosition(ctx, p); err != nil {
			return err
		}
		ev := domain.NewEvent(domain.EventPositionCreated, id)
		ev.To = caller
		ev.Amount = domain.CopyAmount(amount)
		if err := tx.RecordEvent(ctx, ev); err != nil {
			return err
		}
		return r.assets.PullFrom(ctx, caller, amount)
	})
	if err != nil {
		return 0, fmt.Errorf("registry: mint: %w", err)
	}

	r.publish(ctx, events)
	r.logger.InfoContext(ctx, "position minted",
		slog.String("position_id", id.String()),
		slog.String("owner", caller.Hex()),
		slog.String("amount", amount.String()),
	)
	return id, nil
}

// Stake deposits the position's infused amount into the vault named by
// ref and returns the shares issued. A position can be staked only once.
func (r *Registry) Stake(ctx context.Context, caller common.Address, id domain.PositionID, ref common.Address) (*big.Int, error) {
	v, ok := r.vaults[ref]
	if !ok {
		return nil, fmt.Errorf("registry: stake %s into %s: %w", id, ref.Hex(), domain.ErrUnknownVault)
	}

	var shares *big.Int
	events, err := r.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		p, err := r.owned(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if p.Stake.IsStaked() {
			return domain.ErrAlreadyStaked
		}
		p.Stake = domain.StakedIn(ref)
		if err := tx.PutPosition(ctx, p); err != nil {
			return err
		}
		shares, err = v.Deposit(ctx, tx, r.assets, id, p.InfusedAmount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry: stake %s: %w", id, err)
	}

	r.publish(ctx, events)
	r.logger.InfoContext(ctx, "position staked",
		slog.String("position_id", id.String()),
		slog.String("vault", ref.Hex()),
		slog.String("shares", shares.String()),
	)
	return shares, nil
}

// Burn destroys the position and pays its redeemable value to the owner.
// Unstaked positions return their infused amount from the registry; staked
// positions redeem every share at the vault's current rate.
func (r *Registry) Burn(ctx context.Context, caller common.Address, id domain.PositionID) (*big.Int, error) {
	var returned *big.Int
	events, err := r.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		p, err := r.owned(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if err := tx.DeletePosition(ctx, id); err != nil {
			return err
		}
		ev := domain.NewEvent(domain.EventPositionDestroyed, id)
		ev.From = p.Owner
		if err := tx.RecordEvent(ctx, ev); err != nil {
			return err
		}

		switch p.Stake.Kind {
		case domain.StakeNone:
			returned = domain.CopyAmount(p.InfusedAmount)
			return r.assets.Push(ctx, p.Owner, returned)
		case domain.StakeVault:
			v, ok := r.vaults[p.Stake.Vault]
			if !ok {
				return fmt.Errorf("staked in %s: %w", p.Stake.Vault.Hex(), domain.ErrUnknownVault)
			}
			returned, err = v.Withdraw(ctx, tx, id, p.Owner)
			return err
		default:
			return fmt.Errorf("unknown stake kind %q", p.Stake.Kind)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registry: burn %s: %w", id, err)
	}

	r.publish(ctx, events)
	r.logger.InfoContext(ctx, "position burned",
		slog.String("position_id", id.String()),
		slog.String("owner", caller.Hex()),
		slog.String("returned", returned.String()),
	)
	return returned, nil
}

// Transfer hands ownership of the position to to. Staked positions keep
// their shares; a later burn pays the new owner.
func (r *Registry) Transfer(ctx context.Context, caller common.Address, id domain.PositionID, to common.Address) error {
	if to == (common.Address{}) {
		return fmt.Errorf("registry: transfer %s to %s: %w", id, to.Hex(), domain.ErrInvalidAddress)
	}
	events, err := r.store.Update(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		p, err := r.owned(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		p.Owner = to
		if err := tx.PutPosition(ctx, p); err != nil {
			return err
		}
		ev := domain.NewEvent(domain.EventPositionTransferred, id)
		ev.From = caller
		ev.To = to
		return tx.RecordEvent(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("registry: transfer %s: %w", id, err)
	}

	r.publish(ctx, events)
	r.logger.InfoContext(ctx, "position transferred",
		slog.String("position_id", id.String()),
		slog.String("from", caller.Hex()),
		slog.String("to", to.Hex()),
	)
	return nil
}

// Harvest applies yield to the vault named by ref. A nil amount uses the
// vault's configured yield rate.
func (r *Registry) Harvest(ctx context.Context, ref common.Address, amount *big.Int) (domain.VaultState, error) {
	v, err := r.Vault(ref)
	if err != nil {
		return domain.VaultState{}, err
	}
	state, events, err := v.Harvest(ctx, amount)
	if err != nil {
		return domain.VaultState{}, fmt.Errorf("registry: %w", err)
	}
	r.publish(ctx, events)
	return state, nil
}

// Vaults returns the state of every registered vault.
func (r *Registry) Vaults(ctx context.Context) ([]domain.VaultState, error) {
	out := make([]domain.VaultState, 0, len(r.vaults))
	for _, v := range r.vaults {
		s, err := v.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out, nil
}

// owned loads position id and checks that caller owns it.
func (r *Registry) owned(ctx context.Context, tx domain.LedgerReader, caller common.Address, id domain.PositionID) (domain.Position, error) {
	p, err := tx.Position(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	if p.Owner != caller {
		return domain.Position{}, domain.ErrNotOwner
	}
	return p, nil
}

func (r *Registry) publish(ctx context.Context, events []domain.Event) {
	if r.publisher == nil || len(events) == 0 {
		return
	}
	r.publisher.Publish(ctx, events)
}
