package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/infusion/internal/domain"
)

const vaultSelectCols = `address, name, symbol, total_shares::text, total_assets::text`

func scanVault(row pgx.Row) (domain.VaultState, error) {
	var addr, name, symbol, shares, assets string
	if err := row.Scan(&addr, &name, &symbol, &shares, &assets); err != nil {
		return domain.VaultState{}, err
	}
	ts, err := parseAmount(shares)
	if err != nil {
		return domain.VaultState{}, err
	}
	ta, err := parseAmount(assets)
	if err != nil {
		return domain.VaultState{}, err
	}
	return domain.VaultState{
		Address:     common.HexToAddress(addr),
		Name:        name,
		Symbol:      symbol,
		TotalShares: ts,
		TotalAssets: ta,
	}, nil
}

// Vault returns one vault's totals. Inside an update the row is locked, which
// orders every operation touching the same pool.
func (r *ledgerReader) Vault(ctx context.Context, addr common.Address) (domain.VaultState, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults WHERE address = $1`+r.forUpdate(), addrParam(addr))
	v, err := scanVault(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VaultState{}, fmt.Errorf("postgres: vault %s: %w", addr.Hex(), domain.ErrNotFound)
		}
		return domain.VaultState{}, fmt.Errorf("postgres: get vault %s: %w", addr.Hex(), err)
	}
	return v, nil
}

// Vaults lists every vault ordered by address.
func (r *ledgerReader) Vaults(ctx context.Context) ([]domain.VaultState, error) {
	rows, err := r.q.Query(ctx, `SELECT `+vaultSelectCols+` FROM vaults ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults: %w", err)
	}
	defer rows.Close()

	var out []domain.VaultState
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vault: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Shares returns the position's shares in vault, zero when it has none.
func (r *ledgerReader) Shares(ctx context.Context, vault common.Address, id domain.PositionID) (*big.Int, error) {
	var s string
	err := r.q.QueryRow(ctx,
		`SELECT shares::text FROM vault_shares WHERE vault = $1 AND position_id = $2`+r.forUpdate(),
		addrParam(vault), int64(id),
	).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: shares of %s: %w", id, err)
	}
	return parseAmount(s)
}

// ShareEntries returns the vault's share ledger in position order.
func (r *ledgerReader) ShareEntries(ctx context.Context, vault common.Address) ([]domain.ShareEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT position_id, shares::text FROM vault_shares WHERE vault = $1 ORDER BY position_id`,
		addrParam(vault))
	if err != nil {
		return nil, fmt.Errorf("postgres: list shares: %w", err)
	}
	defer rows.Close()

	var out []domain.ShareEntry
	for rows.Next() {
		var (
			id int64
			s  string
		)
		if err := rows.Scan(&id, &s); err != nil {
			return nil, fmt.Errorf("postgres: scan share entry: %w", err)
		}
		shares, err := parseAmount(s)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ShareEntry{Vault: vault, PositionID: domain.PositionID(id), Shares: shares})
	}
	return out, rows.Err()
}

// PutVault upserts a vault's totals.
func (t *ledgerTx) PutVault(ctx context.Context, v domain.VaultState) error {
	const query = `
		INSERT INTO vaults (address, name, symbol, total_shares, total_assets)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)
		ON CONFLICT (address) DO UPDATE SET
			total_shares = EXCLUDED.total_shares,
			total_assets = EXCLUDED.total_assets`
	_, err := t.q.Exec(ctx, query,
		addrParam(v.Address), v.Name, v.Symbol, amountParam(v.TotalShares), amountParam(v.TotalAssets))
	if err != nil {
		return fmt.Errorf("postgres: put vault %s: %w", v.Address.Hex(), err)
	}
	return nil
}

// PutShares sets the position's share count.
func (t *ledgerTx) PutShares(ctx context.Context, vault common.Address, id domain.PositionID, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return fmt.Errorf("postgres: put shares for %s: %w", id, domain.ErrInvalidAmount)
	}
	const query = `
		INSERT INTO vault_shares (vault, position_id, shares)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (vault, position_id) DO UPDATE SET shares = EXCLUDED.shares`
	if _, err := t.q.Exec(ctx, query, addrParam(vault), int64(id), amountParam(shares)); err != nil {
		return fmt.Errorf("postgres: put shares for %s: %w", id, err)
	}
	return nil
}

// DeleteShares removes the position's share entry.
func (t *ledgerTx) DeleteShares(ctx context.Context, vault common.Address, id domain.PositionID) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM vault_shares WHERE vault = $1 AND position_id = $2`, addrParam(vault), int64(id))
	if err != nil {
		return fmt.Errorf("postgres: delete shares for %s: %w", id, err)
	}
	return nil
}
