package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// RecordEvent appends e to the event log inside the current transaction.
func (t *ledgerTx) RecordEvent(ctx context.Context, e domain.Event) error {
	var positionID *int64
	if e.PositionID != 0 {
		id := int64(e.PositionID)
		positionID = &id
	}
	const query = `
		INSERT INTO ledger_events
			(id, kind, position_id, from_addr, to_addr, vault, amount, shares, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9)`
	_, err := t.q.Exec(ctx, query,
		e.ID, string(e.Kind), positionID,
		addrParam(e.From), addrParam(e.To), addrParam(e.Vault),
		nullableAmountParam(e.Amount), nullableAmountParam(e.Shares), e.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: record event %s: %w", e.Kind, err)
	}
	t.pending = append(t.pending, e)
	return nil
}

// Events returns matching events newest first.
func (r *ledgerReader) Events(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT id, kind, position_id, from_addr, to_addr, vault,
		amount::text, shares::text, created_at FROM ledger_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(f.Kind))
		argIdx++
	}
	if f.PositionID != 0 {
		query += fmt.Sprintf(" AND position_id = $%d", argIdx)
		args = append(args, int64(f.PositionID))
		argIdx++
	}
	if f.Vault != (common.Address{}) {
		query += fmt.Sprintf(" AND vault = $%d", argIdx)
		args = append(args, addrParam(f.Vault))
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *f.Until)
		argIdx++
	}

	query += " ORDER BY seq DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			id             uuid.UUID
			kind           string
			positionID     *int64
			from, to, vlt  string
			amount, shares *string
			at             time.Time
		)
		if err := rows.Scan(&id, &kind, &positionID, &from, &to, &vlt, &amount, &shares, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e := domain.Event{
			ID:    id,
			Kind:  domain.EventKind(kind),
			From:  common.HexToAddress(from),
			To:    common.HexToAddress(to),
			Vault: common.HexToAddress(vlt),
			At:    at.UTC(),
		}
		if positionID != nil {
			e.PositionID = domain.PositionID(*positionID)
		}
		if e.Amount, err = parseNullableAmount(amount); err != nil {
			return nil, err
		}
		if e.Shares, err = parseNullableAmount(shares); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
