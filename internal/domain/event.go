package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventPositionCreated     EventKind = "position_created"
	EventPositionTransferred EventKind = "position_transferred"
	EventPositionDestroyed   EventKind = "position_destroyed"
	EventDepositRecorded     EventKind = "deposit_recorded"
	EventWithdrawalRecorded  EventKind = "withdrawal_recorded"
	EventYieldHarvested      EventKind = "yield_harvested"
)

// Event is an append-only ledger record. Position events carry From/To,
// vault events carry Vault, Amount and Shares.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Kind       EventKind      `json:"kind"`
	PositionID PositionID     `json:"position_id,omitempty"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Vault      common.Address `json:"vault"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Shares     *big.Int       `json:"shares,omitempty"`
	At         time.Time      `json:"at"`
}

// NewEvent returns an event with a fresh ID and timestamp.
func NewEvent(kind EventKind, id PositionID) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		PositionID: id,
		At:         time.Now().UTC(),
	}
}

// EventPublisher fans committed events out to observers. Publishing never
// fails the operation that produced the events.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event)
}
