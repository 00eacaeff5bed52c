package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/infusion/internal/domain"
)

const positionSelectCols = `id, owner, infused_amount::text, stake_vault, minted_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		id       int64
		owner    string
		amount   string
		vault    *string
		mintedAt time.Time
	)
	if err := row.Scan(&id, &owner, &amount, &vault, &mintedAt); err != nil {
		return domain.Position{}, err
	}
	infused, err := parseAmount(amount)
	if err != nil {
		return domain.Position{}, err
	}
	p := domain.Position{
		ID:            domain.PositionID(id),
		Owner:         common.HexToAddress(owner),
		InfusedAmount: infused,
		Stake:         domain.Unstaked(),
		MintedAt:      mintedAt.UTC(),
	}
	if vault != nil {
		p.Stake = domain.StakedIn(common.HexToAddress(*vault))
	}
	return p, nil
}

// Position retrieves a single position by its ID.
func (r *ledgerReader) Position(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`+r.forUpdate(), int64(id))

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// PositionsByOwner lists owner's positions in id order.
func (r *ledgerReader) PositionsByOwner(ctx context.Context, owner common.Address) ([]domain.Position, error) {
	out, err := r.queryPositions(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE owner = $1 ORDER BY id`, addrParam(owner))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of %s: %w", owner.Hex(), err)
	}
	return out, nil
}

// Positions lists every position in id order.
func (r *ledgerReader) Positions(ctx context.Context) ([]domain.Position, error) {
	out, err := r.queryPositions(ctx, `SELECT `+positionSelectCols+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return out, nil
}

func (r *ledgerReader) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutPosition inserts or replaces a position row.
func (t *ledgerTx) PutPosition(ctx context.Context, p domain.Position) error {
	var vault *string
	if p.Stake.IsStaked() {
		v := addrParam(p.Stake.Vault)
		vault = &v
	}
	mintedAt := p.MintedAt
	if mintedAt.IsZero() {
		mintedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO positions (id, owner, infused_amount, stake_vault, minted_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner          = EXCLUDED.owner,
			infused_amount = EXCLUDED.infused_amount,
			stake_vault    = EXCLUDED.stake_vault`
	_, err := t.q.Exec(ctx, query,
		int64(p.ID), addrParam(p.Owner), amountParam(p.InfusedAmount), vault, mintedAt)
	if err != nil {
		return fmt.Errorf("postgres: put position %s: %w", p.ID, err)
	}
	return nil
}

// DeletePosition removes a position row.
func (t *ledgerTx) DeletePosition(ctx context.Context, id domain.PositionID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
