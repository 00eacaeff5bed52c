package asset

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/infusion/internal/domain"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	registry = common.HexToAddress("0x00000000000000000000000000000000000001f0")
)

func balance(t *testing.T, tok *MemoryToken, addr common.Address) int64 {
	t.Helper()
	b, err := tok.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return b.Int64()
}

func TestMemoryToken_TransferFromSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	require.NoError(t, tok.Mint(ctx, alice, big.NewInt(100)))
	require.NoError(t, tok.Approve(ctx, alice, registry, big.NewInt(30)))

	require.NoError(t, tok.TransferFrom(ctx, registry, alice, registry, big.NewInt(20)))

	assert.Equal(t, int64(80), balance(t, tok, alice))
	assert.Equal(t, int64(20), balance(t, tok, registry))
	left, err := tok.Allowance(ctx, alice, registry)
	require.NoError(t, err)
	assert.Equal(t, int64(10), left.Int64())

	err = tok.TransferFrom(ctx, registry, alice, registry, big.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Equal(t, int64(80), balance(t, tok, alice))
}

func TestMemoryToken_TransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	require.NoError(t, tok.Mint(ctx, alice, big.NewInt(5)))

	err := tok.Transfer(ctx, alice, bob, big.NewInt(6))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(5), balance(t, tok, alice))
	assert.Equal(t, int64(0), balance(t, tok, bob))
}

func TestMemoryToken_RejectsBadAmounts(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	assert.ErrorIs(t, tok.Mint(ctx, alice, big.NewInt(0)), domain.ErrInvalidAmount)
	assert.ErrorIs(t, tok.Approve(ctx, alice, bob, big.NewInt(-1)), domain.ErrInvalidAmount)
	assert.ErrorIs(t, tok.Transfer(ctx, alice, bob, nil), domain.ErrInvalidAmount)
}

func TestAdapter_WrapsFailuresAsTransferFailed(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	a := NewAdapter(tok, registry)
	assert.Equal(t, registry, a.Holder())

	err := a.PullFrom(ctx, alice, big.NewInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransferFailed))

	err = a.Push(ctx, bob, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestAdapter_PullAndPush(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	require.NoError(t, tok.Mint(ctx, alice, big.NewInt(10)))
	require.NoError(t, tok.Approve(ctx, alice, registry, big.NewInt(10)))
	a := NewAdapter(tok, registry)

	require.NoError(t, a.PullFrom(ctx, alice, big.NewInt(10)))
	require.NoError(t, a.Push(ctx, bob, big.NewInt(4)))

	assert.Equal(t, int64(0), balance(t, tok, alice))
	assert.Equal(t, int64(6), balance(t, tok, registry))
	assert.Equal(t, int64(4), balance(t, tok, bob))
}

func TestMintingYield_Fund(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken("sETH")
	y := NewMintingYield(tok)
	require.NoError(t, y.Fund(ctx, bob, big.NewInt(2)))
	assert.Equal(t, int64(2), balance(t, tok, bob))
	assert.ErrorIs(t, y.Fund(ctx, bob, big.NewInt(0)), domain.ErrTransferFailed)
}
