package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetLedger is the external fungible asset: a balance ledger with
// transfer, transfer-from and allowance semantics.
type AssetLedger interface {
	Symbol() string
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
	Mint(ctx context.Context, to common.Address, amount *big.Int) error
}

// AssetAdapter moves the fungible asset in and out of a single holder
// account. Every call either fully succeeds or fails with ErrTransferFailed.
type AssetAdapter interface {
	Holder() common.Address
	// PullFrom moves amount from owner to the holder using owner's allowance.
	PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error
	// Push moves amount from the holder to to.
	Push(ctx context.Context, to common.Address, amount *big.Int) error
}

// YieldSource credits externally generated yield to a vault's account.
type YieldSource interface {
	Fund(ctx context.Context, vault common.Address, amount *big.Int) error
}
