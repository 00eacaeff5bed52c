package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// Decimal is a big.Int that travels through JSON as a base-10 string, so
// amounts above 2^53 survive clients that parse numbers as float64.
type Decimal big.Int

// Dec views v as a Decimal. It returns nil for nil.
func Dec(v *big.Int) *Decimal {
	return (*Decimal)(v)
}

func (d *Decimal) Int() *big.Int {
	return (*big.Int)(d)
}

func (d *Decimal) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, d.Int().String()), nil
}

// UnmarshalJSON accepts a base-10 string or a bare JSON integer.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	if _, ok := d.Int().SetString(s, 10); !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, b)
	}
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	return json.Marshal(struct {
		plain
		InfusedAmount *Decimal `json:"infused_amount"`
	}{plain(p), Dec(p.InfusedAmount)})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	type plain Position
	aux := struct {
		*plain
		InfusedAmount *Decimal `json:"infused_amount"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.InfusedAmount = aux.InfusedAmount.Int()
	return nil
}

func (v VaultState) MarshalJSON() ([]byte, error) {
	type plain VaultState
	return json.Marshal(struct {
		plain
		TotalShares *Decimal `json:"total_shares"`
		TotalAssets *Decimal `json:"total_assets"`
	}{plain(v), Dec(v.TotalShares), Dec(v.TotalAssets)})
}

func (v *VaultState) UnmarshalJSON(b []byte) error {
	type plain VaultState
	aux := struct {
		*plain
		TotalShares *Decimal `json:"total_shares"`
		TotalAssets *Decimal `json:"total_assets"`
	}{plain: (*plain)(v)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v.TotalShares, v.TotalAssets = aux.TotalShares.Int(), aux.TotalAssets.Int()
	return nil
}

func (e ShareEntry) MarshalJSON() ([]byte, error) {
	type plain ShareEntry
	return json.Marshal(struct {
		plain
		Shares *Decimal `json:"shares"`
	}{plain(e), Dec(e.Shares)})
}

func (e *ShareEntry) UnmarshalJSON(b []byte) error {
	type plain ShareEntry
	aux := struct {
		*plain
		Shares *Decimal `json:"shares"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Shares = aux.Shares.Int()
	return nil
}

func (ev Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Amount *Decimal `json:"amount,omitempty"`
		Shares *Decimal `json:"shares,omitempty"`
	}{plain(ev), Dec(ev.Amount), Dec(ev.Shares)})
}

func (ev *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	aux := struct {
		*plain
		Amount *Decimal `json:"amount,omitempty"`
		Shares *Decimal `json:"shares,omitempty"`
	}{plain: (*plain)(ev)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ev.Amount, ev.Shares = aux.Amount.Int(), aux.Shares.Int()
	return nil
}
