// Package asset provides the fungible-asset side of the ledger: an
// in-memory reference token, the scoped adapter the registry and vaults
// move funds through, and a minting yield source for simulated harvests.
package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// ErrInsufficientBalance and ErrInsufficientAllowance are returned by token
// implementations and surface to callers wrapped in domain.ErrTransferFailed.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// MemoryToken is an in-process ERC-20 style balance ledger.
type MemoryToken struct {
	mu         sync.Mutex
	symbol     string
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

// NewMemoryToken creates an empty token ledger.
func NewMemoryToken(symbol string) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (t *MemoryToken) Symbol() string { return t.symbol }

func (t *MemoryToken) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.CopyAmount(t.balances[addr]), nil
}

func (t *MemoryToken) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.CopyAmount(t.allowances[allowanceKey{owner, spender}]), nil
}

// Approve sets spender's allowance over owner's balance to amount.
func (t *MemoryToken) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[allowanceKey{owner, spender}] = domain.CopyAmount(amount)
	return nil
}

func (t *MemoryToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from from to to, spending spender's allowance.
func (t *MemoryToken) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := allowanceKey{from, spender}
	allowed := domain.CopyAmount(t.allowances[key])
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s approved for %s, need %s", ErrInsufficientAllowance, spender.Hex(), allowed, amount)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[key] = allowed.Sub(allowed, amount)
	return nil
}

// Mint credits amount to to out of thin air. It backs the faucet and
// simulated yield.
func (t *MemoryToken) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = new(big.Int).Add(domain.CopyAmount(t.balances[to]), amount)
	return nil
}

// move must be called with t.mu held.
func (t *MemoryToken) move(from, to common.Address, amount *big.Int) error {
	bal := domain.CopyAmount(t.balances[from])
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(domain.CopyAmount(t.balances[to]), amount)
	return nil
}
