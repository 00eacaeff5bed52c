package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// FaucetConfig bounds test-asset minting.
type FaucetConfig struct {
	Enabled   bool
	MaxAmount *big.Int
	Limit     int
	Window    time.Duration
}

// Account is an address's standing on the asset ledger.
type Account struct {
	Address   common.Address `json:"address"`
	Symbol    string         `json:"symbol"`
	Balance   *big.Int       `json:"balance"`
	Allowance *big.Int       `json:"allowance"` // granted to the registry
}

func (a Account) MarshalJSON() ([]byte, error) {
	type plain Account
	return json.Marshal(struct {
		plain
		Balance   *domain.Decimal `json:"balance"`
		Allowance *domain.Decimal `json:"allowance"`
	}{plain(a), domain.Dec(a.Balance), domain.Dec(a.Allowance)})
}

// AssetService exposes the reference asset ledger: balances, approvals for
// the registry and a rate-limited faucet.
type AssetService struct {
	ledger   domain.AssetLedger
	registry common.Address
	limiter  domain.RateLimiter
	audit    domain.AuditStore
	faucet   FaucetConfig
	logger   *slog.Logger
}

// NewAssetService creates an AssetService. audit may be nil.
func NewAssetService(
	ledger domain.AssetLedger,
	registry common.Address,
	limiter domain.RateLimiter,
	audit domain.AuditStore,
	faucet FaucetConfig,
	logger *slog.Logger,
) *AssetService {
	return &AssetService{
		ledger:   ledger,
		registry: registry,
		limiter:  limiter,
		audit:    audit,
		faucet:   faucet,
		logger:   logger.With(slog.String("component", "assets")),
	}
}

// Account returns addr's balance and its allowance to the registry.
func (s *AssetService) Account(ctx context.Context, addr common.Address) (Account, error) {
	bal, err := s.ledger.BalanceOf(ctx, addr)
	if err != nil {
		return Account{}, fmt.Errorf("service: balance of %s: %w", addr.Hex(), err)
	}
	allow, err := s.ledger.Allowance(ctx, addr, s.registry)
	if err != nil {
		return Account{}, fmt.Errorf("service: allowance of %s: %w", addr.Hex(), err)
	}
	return Account{Address: addr, Symbol: s.ledger.Symbol(), Balance: bal, Allowance: allow}, nil
}

// Approve sets caller's allowance to the registry, which Mint draws on.
func (s *AssetService) Approve(ctx context.Context, caller common.Address, amount *big.Int) (Account, error) {
	if amount == nil || amount.Sign() < 0 {
		return Account{}, fmt.Errorf("service: approve: %w", domain.ErrInvalidAmount)
	}
	if err := s.ledger.Approve(ctx, caller, s.registry, amount); err != nil {
		return Account{}, fmt.Errorf("service: approve: %w", err)
	}
	return s.Account(ctx, caller)
}

// Drip mints amount of the test asset to caller, subject to the faucet cap
// and the per-caller rate limit.
func (s *AssetService) Drip(ctx context.Context, caller common.Address, amount *big.Int) (Account, error) {
	if !s.faucet.Enabled {
		return Account{}, fmt.Errorf("service: faucet disabled: %w", domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 || (s.faucet.MaxAmount != nil && amount.Cmp(s.faucet.MaxAmount) > 0) {
		return Account{}, fmt.Errorf("service: faucet amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	ok, err := s.limiter.Allow(ctx, "faucet:"+caller.Hex(), s.faucet.Limit, s.faucet.Window)
	if err != nil {
		return Account{}, fmt.Errorf("service: faucet rate limit: %w", err)
	}
	if !ok {
		return Account{}, fmt.Errorf("service: faucet %s: %w", caller.Hex(), domain.ErrRateLimited)
	}
	if err := s.ledger.Mint(ctx, caller, amount); err != nil {
		return Account{}, fmt.Errorf("service: faucet mint: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "faucet_drip", caller.Hex(), map[string]any{"amount": amount.String()}); err != nil {
			s.logger.WarnContext(ctx, "audit faucet drip", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "faucet drip",
		slog.String("to", caller.Hex()),
		slog.String("amount", amount.String()),
	)
	return s.Account(ctx, caller)
}
