// Package memory implements domain.LedgerStore in process memory. Updates
// are serialized under one mutex and applied clone-then-commit, so a failed
// update leaves no trace.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/infusion/internal/domain"
)

type shareKey struct {
	vault common.Address
	id    domain.PositionID
}

type state struct {
	lastID    domain.PositionID
	positions map[domain.PositionID]domain.Position
	vaults    map[common.Address]domain.VaultState
	shares    map[shareKey]*big.Int
}

func newState() state {
	return state{
		positions: make(map[domain.PositionID]domain.Position),
		vaults:    make(map[common.Address]domain.VaultState),
		shares:    make(map[shareKey]*big.Int),
	}
}

func (s state) clone() state {
	out := state{
		lastID:    s.lastID,
		positions: make(map[domain.PositionID]domain.Position, len(s.positions)),
		vaults:    make(map[common.Address]domain.VaultState, len(s.vaults)),
		shares:    make(map[shareKey]*big.Int, len(s.shares)),
	}
	for k, v := range s.positions {
		out.positions[k] = v.Clone()
	}
	for k, v := range s.vaults {
		out.vaults[k] = v.Clone()
	}
	for k, v := range s.shares {
		out.shares[k] = domain.CopyAmount(v)
	}
	return out
}

// LedgerStore is an in-memory domain.LedgerStore.
type LedgerStore struct {
	mu     sync.RWMutex
	state  state
	events []domain.Event
}

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{state: newState()}
}

// View runs fn against the committed state under a shared lock.
func (s *LedgerStore) View(ctx context.Context, fn func(ctx context.Context, r domain.LedgerReader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &reader{st: &s.state, events: s.events})
}

// Update runs fn against a private copy of the state and swaps it in only
// when fn succeeds.
func (s *LedgerStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.state.clone()
	tx := &txn{reader: reader{st: &st, events: s.events}}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	s.state = st
	s.events = append(s.events, tx.pending...)
	return tx.pending, nil
}

type reader struct {
	st     *state
	events []domain.Event
}

func (r *reader) Position(_ context.Context, id domain.PositionID) (domain.Position, error) {
	p, ok := r.st.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (r *reader) PositionsByOwner(_ context.Context, owner common.Address) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range r.st.positions {
		if p.Owner == owner {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *reader) Positions(_ context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(r.st.positions))
	for _, p := range r.st.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *reader) Vault(_ context.Context, addr common.Address) (domain.VaultState, error) {
	v, ok := r.st.vaults[addr]
	if !ok {
		return domain.VaultState{}, fmt.Errorf("memory: vault %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return v.Clone(), nil
}

func (r *reader) Vaults(_ context.Context) ([]domain.VaultState, error) {
	out := make([]domain.VaultState, 0, len(r.st.vaults))
	for _, v := range r.st.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out, nil
}

func (r *reader) Shares(_ context.Context, vault common.Address, id domain.PositionID) (*big.Int, error) {
	return domain.CopyAmount(r.st.shares[shareKey{vault, id}]), nil
}

func (r *reader) ShareEntries(_ context.Context, vault common.Address) ([]domain.ShareEntry, error) {
	var out []domain.ShareEntry
	for k, v := range r.st.shares {
		if k.vault == vault {
			out = append(out, domain.ShareEntry{Vault: vault, PositionID: k.id, Shares: domain.CopyAmount(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

// Events returns matching events newest first.
func (r *reader) Events(_ context.Context, f domain.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	skipped := 0
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if !matches(e, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func matches(e domain.Event, f domain.EventFilter) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.PositionID != 0 && e.PositionID != f.PositionID {
		return false
	}
	if f.Vault != (common.Address{}) && e.Vault != f.Vault {
		return false
	}
	if f.Since != nil && e.At.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.At.After(*f.Until) {
		return false
	}
	return true
}

type txn struct {
	reader
	pending []domain.Event
}

func (t *txn) NextPositionID(_ context.Context) (domain.PositionID, error) {
	t.st.lastID++
	return t.st.lastID, nil
}

func (t *txn) PutPosition(_ context.Context, p domain.Position) error {
	t.st.positions[p.ID] = p.Clone()
	return nil
}

func (t *txn) DeletePosition(_ context.Context, id domain.PositionID) error {
	if _, ok := t.st.positions[id]; !ok {
		return fmt.Errorf("memory: delete position %s: %w", id, domain.ErrNotFound)
	}
	delete(t.st.positions, id)
	return nil
}

func (t *txn) PutVault(_ context.Context, v domain.VaultState) error {
	t.st.vaults[v.Address] = v.Clone()
	return nil
}

func (t *txn) PutShares(_ context.Context, vault common.Address, id domain.PositionID, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return fmt.Errorf("memory: put shares for %s: %w", id, domain.ErrInvalidAmount)
	}
	t.st.shares[shareKey{vault, id}] = domain.CopyAmount(shares)
	return nil
}

func (t *txn) DeleteShares(_ context.Context, vault common.Address, id domain.PositionID) error {
	delete(t.st.shares, shareKey{vault, id})
	return nil
}

func (t *txn) RecordEvent(_ context.Context, e domain.Event) error {
	t.pending = append(t.pending, e)
	return nil
}
