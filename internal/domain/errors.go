package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrLockHeld            = errors.New("lock already held")
	ErrLockLost            = errors.New("lock lost before release")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrClaimDenied         = errors.New("opportunity already claimed")
	ErrCircuitOpen         = errors.New("circuit breaker tripped")
	ErrStoreUnavailable    = errors.New("coordination store unavailable")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrGatewayTimeout      = errors.New("gateway timeout")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrNotSeeded           = errors.New("ledger not seeded")
)
