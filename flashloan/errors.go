package flashloan

import (
	"context"
	"errors"

	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/ledger"
)

var (
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrLenderNotConfigured = errors.New("lender has no pool")
	ErrAmountTooLarge      = errors.New("amount exceeds pool base reserve")
	ErrRepaymentShortfall  = errors.New("flash loan not repaid")
	ErrReentrancyBlocked   = errors.New("flash loan already in progress")
	ErrCallbackFailed      = errors.New("borrower callback failed")
	ErrPoolLocked          = errors.New("pool binding is locked")
	ErrNoLender            = errors.New("no lender can serve the loan")

	ErrPastMaturity         = dex.ErrPastMaturity
	ErrMaturityTooFar       = dex.ErrMaturityTooFar
	ErrInsufficientReserves = dex.ErrInsufficientReserves
	ErrInvalidAmount        = dex.ErrInvalidAmount
	ErrUnauthorized         = dex.ErrUnauthorized
)

// ErrorKind maps an error to the label used in metrics and API responses
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCallbackFailed):
		return "callback_failed"
	case errors.Is(err, ErrReentrancyBlocked):
		return "reentrancy_blocked"
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrLenderNotConfigured):
		return "lender_not_configured"
	case errors.Is(err, ErrPastMaturity):
		return "past_maturity"
	case errors.Is(err, ErrMaturityTooFar):
		return "maturity_too_far"
	case errors.Is(err, ErrAmountTooLarge):
		return "amount_too_large"
	case errors.Is(err, ErrInsufficientReserves):
		return "insufficient_reserves"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrRepaymentShortfall):
		return "repayment_shortfall"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPoolLocked):
		return "pool_locked"
	case errors.Is(err, ErrNoLender):
		return "no_lender"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
