package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// txFrom returns the ledger transaction carried by ctx, if any.
func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// LedgerStore implements domain.LedgerStore on PostgreSQL. Each Update is
// one database transaction; rows read through it are locked FOR UPDATE so
// concurrent operations on the same position or vault queue behind it.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// View runs fn in a read-only repeatable-read transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(ctx context.Context, r domain.LedgerReader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("postgres: begin view: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return fn(withTx(ctx, tx), &ledgerReader{q: tx})
}

// Update runs fn in a read-write transaction and commits when it returns nil.
func (s *LedgerStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) ([]domain.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ltx := &ledgerTx{ledgerReader: ledgerReader{q: tx, lock: true}}
	if err := fn(withTx(ctx, tx), ltx); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit update: %w", err)
	}
	return ltx.pending, nil
}

// ledgerReader implements domain.LedgerReader over a single transaction.
// With lock set, single-row reads take row locks.
type ledgerReader struct {
	q    querier
	lock bool
}

func (r *ledgerReader) forUpdate() string {
	if r.lock {
		return " FOR UPDATE"
	}
	return ""
}

// ledgerTx adds the write side of domain.LedgerTx.
type ledgerTx struct {
	ledgerReader
	pending []domain.Event
}

// NextPositionID bumps the position counter. The counter row stays locked
// until the transaction ends, and a rolled back id is handed out again.
func (t *ledgerTx) NextPositionID(ctx context.Context) (domain.PositionID, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`UPDATE ledger_counters SET value = value + 1 WHERE name = 'position_id' RETURNING value`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return domain.PositionID(id), nil
}
