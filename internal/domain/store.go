package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventFilter narrows an event log query. Zero fields match everything.
type EventFilter struct {
	ListOpts
	Kind       EventKind
	PositionID PositionID
	Vault      common.Address
}

// LedgerReader is the read side of the infusion ledger.
type LedgerReader interface {
	Position(ctx context.Context, id PositionID) (Position, error)
	PositionsByOwner(ctx context.Context, owner common.Address) ([]Position, error)
	// Positions lists every live position in id order.
	Positions(ctx context.Context) ([]Position, error)
	Vault(ctx context.Context, addr common.Address) (VaultState, error)
	Vaults(ctx context.Context) ([]VaultState, error)
	// Shares returns zero when the position has no entry in the vault.
	Shares(ctx context.Context, vault common.Address, id PositionID) (*big.Int, error)
	ShareEntries(ctx context.Context, vault common.Address) ([]ShareEntry, error)
	Events(ctx context.Context, filter EventFilter) ([]Event, error)
}

// LedgerTx is a read-write view of the ledger scoped to one transaction.
type LedgerTx interface {
	LedgerReader
	NextPositionID(ctx context.Context) (PositionID, error)
	PutPosition(ctx context.Context, p Position) error
	DeletePosition(ctx context.Context, id PositionID) error
	PutVault(ctx context.Context, v VaultState) error
	PutShares(ctx context.Context, vault common.Address, id PositionID, shares *big.Int) error
	DeleteShares(ctx context.Context, vault common.Address, id PositionID) error
	RecordEvent(ctx context.Context, e Event) error
}

// LedgerStore runs ledger operations as serialized, all-or-nothing units.
// Update commits only when fn returns nil and reports the events recorded by
// the committed transaction. The ctx handed to fn carries the transaction so
// collaborators sharing the same backend can join it.
type LedgerStore interface {
	View(ctx context.Context, fn func(ctx context.Context, r LedgerReader) error) error
	Update(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) ([]Event, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only log of faucet drips, snapshots and
// other actions outside the ledger itself.
type AuditStore interface {
	Log(ctx context.Context, event, actor string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
