package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/infusion/internal/asset"
	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/store/memory"
	"github.com/alanyoungcy/infusion/internal/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000001f0")
	vaultAddr    = common.HexToAddress("0x000000000000000000000000000000000000fa11")
	otherVault   = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

// flakyLedger fails plain transfers on demand.
type flakyLedger struct {
	*asset.MemoryToken
	mu   sync.Mutex
	fail bool
}

func (l *flakyLedger) setFail(v bool) {
	l.mu.Lock()
	l.fail = v
	l.mu.Unlock()
}

func (l *flakyLedger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return errors.New("ledger unavailable")
	}
	return l.MemoryToken.Transfer(ctx, from, to, amount)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, events []domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	ctx    context.Context
	store  *memory.LedgerStore
	token  *flakyLedger
	vault  *vault.Vault
	reg    *Registry
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewLedgerStore()
	token := &flakyLedger{MemoryToken: asset.NewMemoryToken("sETH")}
	v := vault.New(vault.Config{
		Address:  vaultAddr,
		Name:     "sETH Vault",
		Symbol:   "vsETH",
		YieldBps: 2000,
	}, store, asset.NewAdapter(token, vaultAddr), asset.NewMintingYield(token), logger)
	require.NoError(t, v.Init(ctx))

	rec := &recorder{}
	reg := New(store, asset.NewAdapter(token, registryAddr), []*vault.Vault{v}, rec, logger)
	return &fixture{ctx: ctx, store: store, token: token, vault: v, reg: reg, events: rec}
}

// fund gives who amount and approves the registry to pull it.
func (f *fixture) fund(t *testing.T, who common.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.token.Mint(f.ctx, who, big.NewInt(amount)))
	allowed, err := f.token.Allowance(f.ctx, who, registryAddr)
	require.NoError(t, err)
	require.NoError(t, f.token.Approve(f.ctx, who, registryAddr, allowed.Add(allowed, big.NewInt(amount))))
}

func (f *fixture) balance(t *testing.T, who common.Address) int64 {
	t.Helper()
	b, err := f.token.BalanceOf(f.ctx, who)
	require.NoError(t, err)
	return b.Int64()
}

func (f *fixture) mint(t *testing.T, who common.Address, amount int64) domain.PositionID {
	t.Helper()
	f.fund(t, who, amount)
	id, err := f.reg.Mint(f.ctx, who, big.NewInt(amount))
	require.NoError(t, err)
	return id
}

func (f *fixture) state(t *testing.T) (shares, assets int64) {
	t.Helper()
	s, err := f.vault.State(f.ctx)
	require.NoError(t, err)
	return s.TotalShares.Int64(), s.TotalAssets.Int64()
}

func TestMint_RecordsUnstakedPosition(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)

	assert.Equal(t, domain.PositionID(1), id)
	amount, err := f.reg.InfusedAmountOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), amount.Int64())
	target, err := f.reg.StakeTargetOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Unstaked(), target)
	owner, err := f.reg.OwnerOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	assert.Equal(t, int64(0), f.balance(t, alice))
	assert.Equal(t, int64(10), f.balance(t, registryAddr))
	assert.Equal(t, []domain.EventKind{domain.EventPositionCreated}, f.events.kinds())

	second := f.mint(t, alice, 3)
	assert.Equal(t, domain.PositionID(2), second)
	count, err := f.reg.BalanceOf(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMint_FailedPullLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.token.Mint(f.ctx, alice, big.NewInt(10)))

	_, err := f.reg.Mint(f.ctx, alice, big.NewInt(10)) // no allowance
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	_, err = f.reg.Position(f.ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(10), f.balance(t, alice))
	assert.Empty(t, f.events.kinds())
}

func TestMint_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Mint(f.ctx, alice, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.reg.Mint(f.ctx, alice, big.NewInt(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLifecycle_StakeHarvestBurn(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)

	shares, err := f.vault.SharesOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), shares.Int64())

	issued, err := f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(10), issued.Int64())
	ts, ta := f.state(t)
	assert.Equal(t, int64(10), ts)
	assert.Equal(t, int64(10), ta)

	after, err := f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, int64(12), after.TotalAssets.Int64())
	assert.Equal(t, int64(10), after.TotalShares.Int64())

	value, err := f.reg.ValueOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), value.Int64())
	principal, err := f.reg.InfusedAmountOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), principal.Int64(), "principal record is frozen")

	returned, err := f.reg.Burn(f.ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), returned.Int64())

	shares, err = f.vault.SharesOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), shares.Int64())
	ts, ta = f.state(t)
	assert.Equal(t, int64(0), ts)
	assert.Equal(t, int64(0), ta)
	assert.Equal(t, int64(12), f.balance(t, alice))
	assert.Equal(t, int64(0), f.balance(t, vaultAddr))

	_, err = f.reg.Position(f.ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []domain.EventKind{
		domain.EventPositionCreated,
		domain.EventDepositRecorded,
		domain.EventYieldHarvested,
		domain.EventPositionDestroyed,
		domain.EventWithdrawalRecorded,
	}, f.events.kinds())
}

func TestStakeThenBurnWithoutYieldIsIdentity(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 1_000)
	_, err := f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.NoError(t, err)

	returned, err := f.reg.Burn(f.ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), returned.Int64())
	assert.Equal(t, int64(1_000), f.balance(t, alice))
}

func TestBurnUnstaked_ReturnsInfusedAmount(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 7)

	returned, err := f.reg.Burn(f.ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), returned.Int64())
	assert.Equal(t, int64(7), f.balance(t, alice))
	assert.Equal(t, int64(0), f.balance(t, registryAddr))

	_, err = f.reg.InfusedAmountOf(f.ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.reg.Burn(f.ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	next := f.mint(t, alice, 1)
	assert.Equal(t, domain.PositionID(2), next, "ids are never reused")
}

func TestStake_AlreadyStakedLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)
	_, err := f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.NoError(t, err)

	_, err = f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.ErrorIs(t, err, domain.ErrAlreadyStaked)

	shares, err := f.vault.SharesOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), shares.Int64())
	ts, ta := f.state(t)
	assert.Equal(t, int64(10), ts)
	assert.Equal(t, int64(10), ta)
	assert.Equal(t, int64(10), f.balance(t, vaultAddr))
}

func TestStake_UnknownVault(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)
	_, err := f.reg.Stake(f.ctx, alice, id, otherVault)
	assert.ErrorIs(t, err, domain.ErrUnknownVault)
}

func TestNotOwner(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)

	_, err := f.reg.Stake(f.ctx, bob, id, vaultAddr)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.reg.Burn(f.ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	err = f.reg.Transfer(f.ctx, bob, id, bob)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	p, err := f.reg.Position(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alice, p.Owner)
	assert.False(t, p.Stake.IsStaked())
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Stake(f.ctx, alice, 99, vaultAddr)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.reg.Burn(f.ctx, alice, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.reg.ValueOf(f.ctx, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStake_FailedTransferRollsBack(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)
	f.token.setFail(true)

	_, err := f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	target, err := f.reg.StakeTargetOf(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, target.IsStaked())
	amount, err := f.reg.InfusedAmountOf(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), amount.Int64())
	ts, ta := f.state(t)
	assert.Equal(t, int64(0), ts)
	assert.Equal(t, int64(0), ta)

	f.token.setFail(false)
	_, err = f.reg.Stake(f.ctx, alice, id, vaultAddr)
	assert.NoError(t, err, "a failed stake can be retried")
}

func TestBurn_FailedTransferKeepsPositionIntact(t *testing.T) {
	f := newFixture(t)
	staked := f.mint(t, alice, 10)
	plain := f.mint(t, alice, 5)
	_, err := f.reg.Stake(f.ctx, alice, staked, vaultAddr)
	require.NoError(t, err)
	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(2))
	require.NoError(t, err)
	before := len(f.events.kinds())

	f.token.setFail(true)
	_, err = f.reg.Burn(f.ctx, alice, staked)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	_, err = f.reg.Burn(f.ctx, alice, plain)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	f.token.setFail(false)

	h, err := f.reg.Holding(f.ctx, staked)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Shares.Int64())
	assert.Equal(t, int64(12), h.Value.Int64())
	_, err = f.reg.Position(f.ctx, plain)
	require.NoError(t, err)
	ts, ta := f.state(t)
	assert.Equal(t, int64(10), ts)
	assert.Equal(t, int64(12), ta)
	assert.Len(t, f.events.kinds(), before)
}

func TestTwoPositionsRedeemProportionally(t *testing.T) {
	f := newFixture(t)
	a := f.mint(t, alice, 100)
	_, err := f.reg.Stake(f.ctx, alice, a, vaultAddr)
	require.NoError(t, err)
	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(50)) // 150 / 100
	require.NoError(t, err)

	b := f.mint(t, bob, 30)
	issued, err := f.reg.Stake(f.ctx, bob, b, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(20), issued.Int64()) // 30 * 100 / 150

	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(60)) // 240 / 120
	require.NoError(t, err)

	gotA, err := f.reg.Burn(f.ctx, alice, a)
	require.NoError(t, err)
	gotB, err := f.reg.Burn(f.ctx, bob, b)
	require.NoError(t, err)

	assert.Equal(t, int64(200), gotA.Int64())
	assert.Equal(t, int64(40), gotB.Int64())
	assert.Equal(t, int64(100+30+50+60), gotA.Int64()+gotB.Int64())
	ts, ta := f.state(t)
	assert.Equal(t, int64(0), ts)
	assert.Equal(t, int64(0), ta)
}

func TestRoundingStaysInPool(t *testing.T) {
	f := newFixture(t)
	a := f.mint(t, alice, 10)
	_, err := f.reg.Stake(f.ctx, alice, a, vaultAddr)
	require.NoError(t, err)
	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(3)) // 13 / 10

	require.NoError(t, err)
	b := f.mint(t, bob, 7)
	issued, err := f.reg.Stake(f.ctx, bob, b, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(5), issued.Int64()) // floor(70 / 13)

	gotA, err := f.reg.Burn(f.ctx, alice, a)
	require.NoError(t, err)
	assert.Equal(t, int64(13), gotA.Int64()) // floor(10 * 20 / 15)
	gotB, err := f.reg.Burn(f.ctx, bob, b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), gotB.Int64())

	assert.LessOrEqual(t, gotA.Int64()+gotB.Int64(), int64(10+7+3))
	assert.Equal(t, int64(0), f.balance(t, vaultAddr))
}

func TestStake_DepositRoundingToZeroIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.mint(t, alice, 1)
	_, err := f.reg.Stake(f.ctx, alice, a, vaultAddr)
	require.NoError(t, err)
	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(9)) // 10 / 1

	require.NoError(t, err)
	b := f.mint(t, bob, 9)
	_, err = f.reg.Stake(f.ctx, bob, b, vaultAddr)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	target, err := f.reg.StakeTargetOf(f.ctx, b)
	require.NoError(t, err)
	assert.False(t, target.IsStaked())
}

func TestHarvest(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(5))
	assert.ErrorIs(t, err, domain.ErrNoShares, "empty pool cannot take yield")
	_, err = f.reg.Harvest(f.ctx, otherVault, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownVault)

	id := f.mint(t, alice, 10)
	_, err = f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.NoError(t, err)

	_, err = f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	after, err := f.reg.Harvest(f.ctx, vaultAddr, nil) // configured 20%
	require.NoError(t, err)
	assert.Equal(t, int64(12), after.TotalAssets.Int64())
	assert.Equal(t, int64(12), f.balance(t, vaultAddr))
}

func TestTransfer_NewOwnerReceivesProceeds(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, alice, 10)
	_, err := f.reg.Stake(f.ctx, alice, id, vaultAddr)
	require.NoError(t, err)

	require.NoError(t, f.reg.Transfer(f.ctx, alice, id, bob))
	err = f.reg.Transfer(f.ctx, bob, id, common.Address{})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	assert.NotErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.reg.Burn(f.ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	returned, err := f.reg.Burn(f.ctx, bob, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), returned.Int64())
	assert.Equal(t, int64(10), f.balance(t, bob))

	held, err := f.reg.PositionsOf(f.ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestConcurrentOperationsPreserveInvariants(t *testing.T) {
	f := newFixture(t)
	const users = 16

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		who := common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		f.fund(t, who, int64(10+i))
		wg.Add(1)
		go func(who common.Address, amount int64, burn bool) {
			defer wg.Done()
			id, err := f.reg.Mint(f.ctx, who, big.NewInt(amount))
			if !assert.NoError(t, err) {
				return
			}
			if _, err := f.reg.Stake(f.ctx, who, id, vaultAddr); !assert.NoError(t, err) {
				return
			}
			if _, err := f.reg.Harvest(f.ctx, vaultAddr, big.NewInt(1)); !assert.NoError(t, err) {
				return
			}
			if burn {
				_, err := f.reg.Burn(f.ctx, who, id)
				assert.NoError(t, err)
			}
		}(who, int64(10+i), i%2 == 0)
	}
	wg.Wait()

	state, err := f.vault.State(f.ctx)
	require.NoError(t, err)
	entries, err := f.vault.Entries(f.ctx)
	require.NoError(t, err)
	assert.Len(t, entries, users/2)

	sum := new(big.Int)
	owed := new(big.Int)
	for _, e := range entries {
		sum.Add(sum, e.Shares)
		owed.Add(owed, vault.AssetsForShares(e.Shares, state.TotalShares, state.TotalAssets))
	}
	assert.Equal(t, 0, sum.Cmp(state.TotalShares), "shares add up")
	assert.LessOrEqual(t, owed.Cmp(state.TotalAssets), 0, "pool stays solvent")
	held, err := f.token.BalanceOf(f.ctx, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, 0, held.Cmp(state.TotalAssets), "vault balance backs total assets")
	assert.Equal(t, int64(0), f.balance(t, registryAddr))
}
