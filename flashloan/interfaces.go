package flashloan

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/dex/yieldspace"
)

// Lender is an ERC-3156 flash lender
type Lender interface {
	// MaxFlashLoan returns the largest amount of asset that can be borrowed
	MaxFlashLoan(ctx context.Context, asset common.Address) (*big.Int, error)

	// FlashFee returns the fee charged for borrowing amount of asset
	FlashFee(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)

	// FlashLoan lends amount of asset to receiver for the duration of its
	// callback. initiator is the account requesting the loan.
	FlashLoan(ctx context.Context, initiator common.Address, receiver Borrower, asset common.Address, amount *big.Int, data []byte) error

	String() string
}

// Borrower is the receiver of a flash loan. OnFlashLoan must leave at least
// amount + fee of asset with the lender before returning. Any nested ledger
// or lender call it makes must use the ctx it was given.
type Borrower interface {
	Address() common.Address
	OnFlashLoan(ctx context.Context, initiator, asset common.Address, amount, fee *big.Int, data []byte) (common.Hash, error)
}

// Pool is the liquidity source a lender is bound to
type Pool interface {
	GetName() string
	Account() common.Address
	BaseAsset() common.Address
	Maturity() time.Time
	Reserves(ctx context.Context) (*dex.Reserves, error)
	Snapshot(ctx context.Context, now time.Time) (yieldspace.State, error)
	Release(ctx context.Context, caller, to common.Address, amount *big.Int) error
}

// ReceiptSink receives the receipt of every committed loan
type ReceiptSink interface {
	Record(ctx context.Context, r *Receipt) error
}
