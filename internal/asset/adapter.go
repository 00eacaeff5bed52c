package asset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// Adapter is a domain.AssetAdapter scoped to one holder account.
type Adapter struct {
	ledger domain.AssetLedger
	holder common.Address
}

// NewAdapter returns an adapter that moves funds in and out of holder.
func NewAdapter(ledger domain.AssetLedger, holder common.Address) *Adapter {
	return &Adapter{ledger: ledger, holder: holder}
}

func (a *Adapter) Holder() common.Address { return a.holder }

func (a *Adapter) PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error {
	if err := a.ledger.TransferFrom(ctx, a.holder, owner, a.holder, amount); err != nil {
		return fmt.Errorf("%w: pull %s %s from %s: %v", domain.ErrTransferFailed, amount, a.ledger.Symbol(), owner.Hex(), err)
	}
	return nil
}

func (a *Adapter) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := a.ledger.Transfer(ctx, a.holder, to, amount); err != nil {
		return fmt.Errorf("%w: push %s %s to %s: %v", domain.ErrTransferFailed, amount, a.ledger.Symbol(), to.Hex(), err)
	}
	return nil
}

// MintingYield funds harvests by minting new asset units into the vault,
// standing in for an external yield strategy.
type MintingYield struct {
	ledger domain.AssetLedger
}

func NewMintingYield(ledger domain.AssetLedger) *MintingYield {
	return &MintingYield{ledger: ledger}
}

func (y *MintingYield) Fund(ctx context.Context, vault common.Address, amount *big.Int) error {
	if err := y.ledger.Mint(ctx, vault, amount); err != nil {
		return fmt.Errorf("%w: fund yield for %s: %v", domain.ErrTransferFailed, vault.Hex(), err)
	}
	return nil
}
