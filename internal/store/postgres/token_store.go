package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/infusion/internal/asset"
	"github.com/alanyoungcy/infusion/internal/domain"
)

// TokenStore implements domain.AssetLedger on PostgreSQL. Calls made with a
// context from LedgerStore.Update join that transaction, so a ledger rollback
// also rolls back the transfer.
type TokenStore struct {
	pool   *pgxpool.Pool
	symbol string
}

// NewTokenStore creates a new TokenStore backed by the given connection pool.
func NewTokenStore(pool *pgxpool.Pool, symbol string) *TokenStore {
	return &TokenStore{pool: pool, symbol: symbol}
}

func (s *TokenStore) Symbol() string { return s.symbol }

// run executes fn in the ledger transaction carried by ctx, or in a fresh
// transaction when there is none.
func (s *TokenStore) run(ctx context.Context, fn func(q querier) error) error {
	if tx, ok := txFrom(ctx); ok {
		return fn(tx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin token tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TokenStore) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := s.run(ctx, func(q querier) error {
		var err error
		out, err = balance(ctx, q, addr)
		return err
	})
	return out, err
}

func (s *TokenStore) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	err := s.run(ctx, func(q querier) error {
		var err error
		out, err = allowance(ctx, q, owner, spender, false)
		return err
	})
	return out, err
}

// Approve sets spender's allowance over owner's balance to amount.
func (s *TokenStore) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	return s.run(ctx, func(q querier) error {
		const query = `
			INSERT INTO asset_allowances (owner, spender, amount) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`
		if _, err := q.Exec(ctx, query, addrParam(owner), addrParam(spender), amountParam(amount)); err != nil {
			return fmt.Errorf("postgres: approve: %w", err)
		}
		return nil
	})
}

func (s *TokenStore) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	return s.run(ctx, func(q querier) error {
		return move(ctx, q, from, to, amount)
	})
}

// TransferFrom moves amount from from to to, spending spender's allowance.
func (s *TokenStore) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	return s.run(ctx, func(q querier) error {
		allowed, err := allowance(ctx, q, from, spender, true)
		if err != nil {
			return err
		}
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s approved for %s, need %s", asset.ErrInsufficientAllowance, spender.Hex(), allowed, amount)
		}
		if err := move(ctx, q, from, to, amount); err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`UPDATE asset_allowances SET amount = amount - $3::numeric WHERE owner = $1 AND spender = $2`,
			addrParam(from), addrParam(spender), amountParam(amount))
		if err != nil {
			return fmt.Errorf("postgres: spend allowance: %w", err)
		}
		return nil
	})
}

// Mint credits amount to to.
func (s *TokenStore) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	return s.run(ctx, func(q querier) error {
		return credit(ctx, q, to, amount)
	})
}

func balance(ctx context.Context, q querier, addr common.Address) (*big.Int, error) {
	var s string
	err := q.QueryRow(ctx,
		`SELECT balance::text FROM asset_balances WHERE address = $1`, addrParam(addr)).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", addr.Hex(), err)
	}
	return parseAmount(s)
}

func allowance(ctx context.Context, q querier, owner, spender common.Address, lock bool) (*big.Int, error) {
	query := `SELECT amount::text FROM asset_allowances WHERE owner = $1 AND spender = $2`
	if lock {
		query += " FOR UPDATE"
	}
	var s string
	err := q.QueryRow(ctx, query, addrParam(owner), addrParam(spender)).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: allowance: %w", err)
	}
	return parseAmount(s)
}

func credit(ctx context.Context, q querier, to common.Address, amount *big.Int) error {
	const query = `
		INSERT INTO asset_balances (address, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (address) DO UPDATE SET balance = asset_balances.balance + EXCLUDED.balance`
	if _, err := q.Exec(ctx, query, addrParam(to), amountParam(amount)); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", to.Hex(), err)
	}
	return nil
}

// move locks both balance rows in address order so opposite transfers
// between the same pair cannot deadlock.
func move(ctx context.Context, q querier, from, to common.Address, amount *big.Int) error {
	addrs := []string{addrParam(from), addrParam(to)}
	sort.Strings(addrs)
	rows, err := q.Query(ctx,
		`SELECT address FROM asset_balances WHERE address = ANY($1) ORDER BY address FOR UPDATE`, addrs)
	if err != nil {
		return fmt.Errorf("postgres: lock balances: %w", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: lock balances: %w", err)
	}

	bal, err := balance(ctx, q, from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", asset.ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	if _, err := q.Exec(ctx,
		`UPDATE asset_balances SET balance = balance - $2::numeric WHERE address = $1`,
		addrParam(from), amountParam(amount)); err != nil {
		return fmt.Errorf("postgres: debit %s: %w", from.Hex(), err)
	}
	return credit(ctx, q, to, amount)
}
