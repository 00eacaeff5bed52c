package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrNotOwner       = errors.New("caller does not own position")
	ErrAlreadyStaked  = errors.New("position already staked")
	ErrNoShares       = errors.New("no shares")
	ErrTransferFailed = errors.New("asset transfer failed")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrUnknownVault   = errors.New("unknown vault")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
	ErrLockHeld       = errors.New("lock already held")
	ErrExists         = errors.New("already exists")
	ErrInvalidAddress = errors.New("invalid address")
)
