package borrower

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"go.uber.org/zap"
)

// Action selects how the borrower behaves inside its callback
type Action int

const (
	// Repay returns exactly amount + fee
	Repay Action = iota
	// RepayShort returns one base unit less than owed
	RepayShort
	// RepayNothing keeps the loan
	RepayNothing
	// Overpay returns amount + fee + Extra
	Overpay
	// Reenter requests a second loan from inside the callback, then repays
	Reenter
	// Fail returns an error from the callback
	Fail
	// Panic panics inside the callback
	Panic
	// WrongAck repays but returns a bogus acknowledgement
	WrongAck
)

var actionNames = map[Action]string{
	Repay:        "repay",
	RepayShort:   "repay-short",
	RepayNothing: "repay-nothing",
	Overpay:      "overpay",
	Reenter:      "reenter",
	Fail:         "fail",
	Panic:        "panic",
	WrongAck:     "wrong-ack",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a name such as "repay-short" to its Action
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown borrower action %q", name)
}

// ErrBorrowerFailed is returned by the Fail action
var ErrBorrowerFailed = errors.New("borrower refused the loan")

// Call is what the borrower observed during its last callback
type Call struct {
	Initiator  common.Address
	Asset      common.Address
	Amount     *big.Int
	Fee        *big.Int
	Balance    *big.Int // borrower balance of asset with the loan in hand
	Data       []byte
	ReentryErr error
}

// FlashBorrower is a reference flash loan receiver
type FlashBorrower struct {
	account common.Address
	book    dex.Ledger
	lender  flashloan.Lender
	logger  *zap.Logger

	mu     sync.Mutex
	action Action
	extra  *big.Int
	last   *Call
}

var _ flashloan.Borrower = (*FlashBorrower)(nil)

// New creates a borrower that settles through account on book and borrows
// from lender
func New(account common.Address, book dex.Ledger, lender flashloan.Lender, logger *zap.Logger) *FlashBorrower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlashBorrower{
		account: account,
		book:    book,
		lender:  lender,
		logger:  logger.With(zap.String("borrower", account.Hex())),
		extra:   big.NewInt(1_000_000_000_000_000),
	}
}

// SetAction selects the callback behaviour for subsequent loans
func (b *FlashBorrower) SetAction(a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.action = a
}

// SetExtra sets the amount Overpay adds on top of what is owed
func (b *FlashBorrower) SetExtra(extra *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extra = new(big.Int).Set(extra)
}

// Address returns the borrower's account
func (b *FlashBorrower) Address() common.Address { return b.account }

// LastCall returns the observations of the most recent callback
func (b *FlashBorrower) LastCall() (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Call{}, false
	}
	return *b.last, true
}

// FlashBorrow asks the lender for a loan with the borrower as initiator
func (b *FlashBorrower) FlashBorrow(ctx context.Context, asset common.Address, amount *big.Int, data []byte) error {
	return b.lender.FlashLoan(ctx, b.account, b, asset, amount, data)
}

// OnFlashLoan implements flashloan.Borrower
func (b *FlashBorrower) OnFlashLoan(ctx context.Context, initiator, asset common.Address, amount, fee *big.Int, data []byte) (common.Hash, error) {
	b.mu.Lock()
	action, extra := b.action, b.extra
	b.mu.Unlock()

	balance, err := b.book.BalanceOf(ctx, asset, b.account)
	if err != nil {
		return common.Hash{}, err
	}
	call := &Call{
		Initiator: initiator,
		Asset:     asset,
		Amount:    amount,
		Fee:       fee,
		Balance:   balance,
		Data:      data,
	}
	defer func() {
		b.mu.Lock()
		b.last = call
		b.mu.Unlock()
	}()

	b.logger.Debug("Received flash loan",
		zap.Stringer("action", action),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()))

	owed := new(big.Int).Add(amount, fee)
	switch action {
	case RepayShort:
		owed.Sub(owed, big.NewInt(1))
	case RepayNothing:
		owed.SetInt64(0)
	case Overpay:
		owed.Add(owed, extra)
	case Reenter:
		call.ReentryErr = b.lender.FlashLoan(ctx, b.account, b, asset, amount, data)
	case Fail:
		return common.Hash{}, ErrBorrowerFailed
	case Panic:
		panic("borrower panicked inside callback")
	}

	if owed.Sign() > 0 {
		lender, ok := flashloan.LenderFromContext(ctx)
		if !ok {
			return common.Hash{}, errors.New("callback invoked outside a flash loan")
		}
		if err := b.book.Transfer(ctx, asset, b.account, lender, owed); err != nil {
			return common.Hash{}, fmt.Errorf("failed to repay: %w", err)
		}
	}

	if action == WrongAck {
		return common.Hash{}, nil
	}
	return flashloan.CallbackSuccess, nil
}
