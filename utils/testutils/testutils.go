package testutils

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex/yieldspace"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"github.com/michaelpento.lv/flashlender/flashloan/borrower"
	"github.com/michaelpento.lv/flashlender/ledger"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Test accounts and assets
var (
	BaseAsset  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	YieldAsset = common.HexToAddress("0xF2C9c61487D796032cdb9d57f770121218AC5F91")

	Owner           = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	PoolAccount     = common.HexToAddress("0x0000000000000000000000000000000000009001")
	LenderAccount   = common.HexToAddress("0x0000000000000000000000000000000000009002")
	BorrowerAccount = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	Treasury        = common.HexToAddress("0x000000000000000000000000000000000000fee5")
)

// Start is the instant every scenario begins at
var Start = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// SixMonths is the distance from Start to the pool's maturity
const SixMonths = 15778476 * time.Second

// Units parses a token amount into base units
func Units(s string) *big.Int {
	return math.MustParseUnits(s)
}

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Scenario is a pool seeded with 120 base against a 120 virtual yield
// reserve, skewed by the owner selling 34.4 yield, with a bound lender and a
// borrower holding 1 base to pay fees
type Scenario struct {
	Book     *ledger.Book
	Pool     *yieldspace.Pool
	Lender   *flashloan.FlashLender
	Borrower *borrower.FlashBorrower
	Clock    *Clock
}

// ScenarioOptions tweak NewScenario
type ScenarioOptions struct {
	LenderConfig  func(*flashloan.Config)
	LenderOptions []flashloan.Option
	SkipBind      bool
	Logger        *zap.Logger
}

// NewScenario builds the standard lending scenario
func NewScenario(t testing.TB, opts ScenarioOptions) *Scenario {
	t.Helper()
	ctx := context.Background()
	logger := opts.Logger
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	clock := NewClock(Start)

	book := ledger.NewBook(logger)
	pool, err := yieldspace.NewPool(yieldspace.Config{
		Account:  PoolAccount,
		Owner:    Owner,
		Base:     BaseAsset,
		Yield:    YieldAsset,
		Maturity: Start.Add(SixMonths),
		Params:   yieldspace.DefaultParams(),
	}, book, logger, nil)
	require.NoError(t, err)

	require.NoError(t, book.Mint(ctx, BaseAsset, PoolAccount, Units("120")))
	require.NoError(t, book.Mint(ctx, YieldAsset, PoolAccount, Units("120")))
	require.NoError(t, book.Mint(ctx, YieldAsset, Owner, Units("34.4")))
	_, err = pool.SellYieldForBase(ctx, Start, Owner, Owner, Units("34.4"))
	require.NoError(t, err)

	cfg := flashloan.Config{
		Name:      "test-lender",
		Account:   LenderAccount,
		Owner:     Owner,
		BaseAsset: BaseAsset,
	}
	if opts.LenderConfig != nil {
		opts.LenderConfig(&cfg)
	}
	lenderOpts := append([]flashloan.Option{flashloan.WithClock(clock.Now)}, opts.LenderOptions...)
	lender, err := flashloan.NewFlashLender(cfg, book, logger, lenderOpts...)
	require.NoError(t, err)

	require.NoError(t, pool.Authorize(Owner, LenderAccount))
	if !opts.SkipBind {
		require.NoError(t, lender.SetPool(ctx, Owner, pool))
	}

	require.NoError(t, book.Mint(ctx, BaseAsset, BorrowerAccount, Units("1")))
	b := borrower.New(BorrowerAccount, book, lender, logger)

	return &Scenario{
		Book:     book,
		Pool:     pool,
		Lender:   lender,
		Borrower: b,
		Clock:    clock,
	}
}

// Balance returns the balance of account in asset
func (s *Scenario) Balance(t testing.TB, asset, account common.Address) *big.Int {
	t.Helper()
	v, err := s.Book.BalanceOf(context.Background(), asset, account)
	require.NoError(t, err)
	return v
}

// Digest fingerprints the whole ledger
func (s *Scenario) Digest(t testing.TB) uint64 {
	t.Helper()
	d, err := s.Book.Digest(context.Background())
	require.NoError(t, err)
	return d
}
