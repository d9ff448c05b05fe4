package dex

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pool represents a two-asset AMM that trades a base asset against a
// fixed-maturity yield token
type Pool interface {
	// GetName returns the pool name
	GetName() string

	// Account returns the ledger account that holds the reserves
	Account() common.Address

	// BaseAsset and YieldAsset return the traded assets
	BaseAsset() common.Address
	YieldAsset() common.Address

	// Maturity returns the instant after which pricing stops
	Maturity() time.Time

	// Reserves returns the current pool reserves
	Reserves(ctx context.Context) (*Reserves, error)

	// QuoteSellBaseForYield returns the yield received for baseIn without trading
	QuoteSellBaseForYield(ctx context.Context, now time.Time, baseIn *big.Int) (*big.Int, error)

	// QuoteSellYieldForBase returns the base received for yieldIn without trading
	QuoteSellYieldForBase(ctx context.Context, now time.Time, yieldIn *big.Int) (*big.Int, error)

	// SellBaseForYield takes baseIn from trader and pays the yield out to to
	SellBaseForYield(ctx context.Context, now time.Time, trader, to common.Address, baseIn *big.Int) (*big.Int, error)

	// SellYieldForBase takes yieldIn from trader and pays the base out to to
	SellYieldForBase(ctx context.Context, now time.Time, trader, to common.Address, yieldIn *big.Int) (*big.Int, error)
}

// Ledger is the token book pools keep their reserves in
type Ledger interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	OnCommit(ctx context.Context, fn func())
	BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error)
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
}

// Reserves represents pool reserves in base units
type Reserves struct {
	Base  *big.Int
	Yield *big.Int
}
