package dex

import "errors"

var (
	ErrPastMaturity         = errors.New("pool is past maturity")
	ErrMaturityTooFar       = errors.New("maturity too far in the future")
	ErrInsufficientReserves = errors.New("insufficient pool reserves")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnauthorized         = errors.New("caller is not authorized")
)
