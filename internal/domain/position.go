package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionID identifies a position. IDs start at 1 and are never reused.
type PositionID uint64

func (id PositionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePositionID parses a decimal position id. Zero is rejected.
func ParsePositionID(s string) (PositionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid position id %q", s)
	}
	return PositionID(n), nil
}

// StakeKind distinguishes the two variants of StakeTarget.
type StakeKind string

const (
	StakeNone  StakeKind = "none"
	StakeVault StakeKind = "vault"
)

// StakeTarget is either unstaked or staked in exactly one vault. Vault is
// meaningful only for StakeVault and is left out of JSON otherwise.
type StakeTarget struct {
	Kind  StakeKind      `json:"kind"`
	Vault common.Address `json:"vault"`
}

func (t StakeTarget) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind  StakeKind       `json:"kind"`
		Vault *common.Address `json:"vault,omitempty"`
	}{Kind: t.Kind}
	if t.IsStaked() {
		out.Vault = &t.Vault
	}
	return json.Marshal(out)
}

// Unstaked returns the "none" stake target.
func Unstaked() StakeTarget {
	return StakeTarget{Kind: StakeNone}
}

// StakedIn returns a stake target pointing at vault.
func StakedIn(vault common.Address) StakeTarget {
	return StakeTarget{Kind: StakeVault, Vault: vault}
}

func (t StakeTarget) IsStaked() bool {
	return t.Kind == StakeVault
}

func (t StakeTarget) String() string {
	if t.IsStaked() {
		return "vault(" + t.Vault.Hex() + ")"
	}
	return string(StakeNone)
}

// Position is one infused token.
type Position struct {
	ID            PositionID     `json:"id"`
	Owner         common.Address `json:"owner"`
	InfusedAmount *big.Int       `json:"infused_amount"`
	Stake         StakeTarget    `json:"stake"`
	MintedAt      time.Time      `json:"minted_at"`
}

// Clone returns a copy that shares no big.Int with p.
func (p Position) Clone() Position {
	out := p
	out.InfusedAmount = CopyAmount(p.InfusedAmount)
	return out
}

// CopyAmount returns a fresh copy of v, treating nil as zero.
func CopyAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ParseAmount parses a non-negative base-10 integer amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}
