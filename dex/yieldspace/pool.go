package yieldspace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
	"go.uber.org/zap"
)

// Config describes a pool deployment
type Config struct {
	Name     string
	Account  common.Address
	Owner    common.Address
	Base     common.Address
	Yield    common.Address
	Maturity time.Time
	Params   Params
}

// Pool is a YieldSpace AMM whose reserves are the ledger balances of its
// account
type Pool struct {
	cfg     Config
	book    dex.Ledger
	logger  *zap.Logger
	metrics *metrics.PoolMetrics

	mu         sync.RWMutex
	custodians map[common.Address]bool
}

var _ dex.Pool = (*Pool)(nil)

// NewPool creates a pool over book. A nil metrics leaves the pool
// uninstrumented.
func NewPool(cfg Config, book dex.Ledger, logger *zap.Logger, m *metrics.PoolMetrics) (*Pool, error) {
	if book == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Base == cfg.Yield {
		return nil, fmt.Errorf("base and yield asset must differ, both are %s", cfg.Base.Hex())
	}
	if cfg.Maturity.IsZero() {
		return nil, errors.New("maturity is required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid curve parameters: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "yieldspace-" + cfg.Maturity.UTC().Format("2006-01-02")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		cfg:        cfg,
		book:       book,
		logger:     logger.With(zap.String("pool", cfg.Name)),
		metrics:    m,
		custodians: make(map[common.Address]bool),
	}, nil
}

// GetName returns the pool name
func (p *Pool) GetName() string { return p.cfg.Name }

func (p *Pool) Account() common.Address    { return p.cfg.Account }
func (p *Pool) Owner() common.Address      { return p.cfg.Owner }
func (p *Pool) BaseAsset() common.Address  { return p.cfg.Base }
func (p *Pool) YieldAsset() common.Address { return p.cfg.Yield }
func (p *Pool) Maturity() time.Time        { return p.cfg.Maturity }
func (p *Pool) Params() Params             { return p.cfg.Params }

// Reserves returns the pool's current base and yield balances
func (p *Pool) Reserves(ctx context.Context) (*dex.Reserves, error) {
	var r dex.Reserves
	err := p.book.Atomic(ctx, func(ctx context.Context) error {
		var err error
		if r.Base, err = p.book.BalanceOf(ctx, p.cfg.Base, p.cfg.Account); err != nil {
			return err
		}
		r.Yield, err = p.book.BalanceOf(ctx, p.cfg.Yield, p.cfg.Account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reserves: %w", err)
	}
	return &r, nil
}

// Snapshot captures the pricing state at now. It fails with
// dex.ErrPastMaturity at or after maturity.
func (p *Pool) Snapshot(ctx context.Context, now time.Time) (State, error) {
	ttm := p.cfg.Maturity.Sub(now)
	if ttm <= 0 {
		return State{}, fmt.Errorf("%w: matured at %s", dex.ErrPastMaturity, p.cfg.Maturity.UTC().Format(time.RFC3339))
	}
	r, err := p.Reserves(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		Base:           r.Base,
		Yield:          r.Yield,
		TimeToMaturity: ttm,
		Params:         p.cfg.Params,
	}, nil
}

// trade is one priced swap against the pool
type trade struct {
	kind      string
	takesBase bool
	baseAmt   *big.Int
	yieldAmt  *big.Int
}

// quote prices a trade in the given direction. exact is the amount the
// caller fixed, the returned trade carries both legs.
func (p *Pool) quote(ctx context.Context, now time.Time, dir direction, exact *big.Int) (*trade, error) {
	state, err := p.Snapshot(ctx, now)
	if err != nil {
		return nil, err
	}

	var (
		t     = &trade{}
		other *big.Int
	)
	switch dir {
	case dirBaseIn:
		other, err = state.YieldOutForBaseIn(exact)
		t.kind, t.takesBase, t.baseAmt, t.yieldAmt = "sell_base", true, exact, other
	case dirYieldIn:
		other, err = state.BaseOutForYieldIn(exact)
		t.kind, t.takesBase, t.baseAmt, t.yieldAmt = "sell_yield", false, other, exact
	case dirBaseOut:
		other, err = state.YieldInForBaseOut(exact)
		t.kind, t.takesBase, t.baseAmt, t.yieldAmt = "buy_base", false, exact, other
	case dirYieldOut:
		other, err = state.BaseInForYieldOut(exact)
		t.kind, t.takesBase, t.baseAmt, t.yieldAmt = "buy_yield", true, other, exact
	}
	if err != nil {
		return nil, err
	}

	if t.takesBase {
		if t.yieldAmt.Cmp(state.Yield) > 0 {
			return nil, fmt.Errorf("%w: %s yield out of %s", dex.ErrInsufficientReserves, t.yieldAmt, state.Yield)
		}
		after := state.Apply(t.baseAmt, new(big.Int).Neg(t.yieldAmt))
		if after.Yield.Cmp(after.Base) < 0 {
			return nil, fmt.Errorf("%w: yield reserve %s would fall below base reserve %s",
				dex.ErrInsufficientReserves, after.Yield, after.Base)
		}
	} else if t.baseAmt.Cmp(state.Base) > 0 {
		return nil, fmt.Errorf("%w: %s base out of %s", dex.ErrInsufficientReserves, t.baseAmt, state.Base)
	}

	p.logger.Debug("Priced trade",
		zap.String("kind", t.kind),
		zap.String("base", t.baseAmt.String()),
		zap.String("yield", t.yieldAmt.String()))
	return t, nil
}

func (p *Pool) quoteOne(ctx context.Context, now time.Time, dir direction, exact *big.Int) (*big.Int, error) {
	var t *trade
	err := p.book.Atomic(ctx, func(ctx context.Context) error {
		var err error
		t, err = p.quote(ctx, now, dir, exact)
		return err
	})
	if err != nil {
		return nil, err
	}
	if dir == dirBaseIn || dir == dirBaseOut {
		return t.yieldAmt, nil
	}
	return t.baseAmt, nil
}

// QuoteSellBaseForYield returns the yield SellBaseForYield would pay for amount base
func (p *Pool) QuoteSellBaseForYield(ctx context.Context, now time.Time, amount *big.Int) (*big.Int, error) {
	return p.quoteOne(ctx, now, dirBaseIn, amount)
}

// QuoteSellYieldForBase returns the base SellYieldForBase would pay for amount yield
func (p *Pool) QuoteSellYieldForBase(ctx context.Context, now time.Time, amount *big.Int) (*big.Int, error) {
	return p.quoteOne(ctx, now, dirYieldIn, amount)
}

// QuoteBuyBase returns the yield BuyBase would charge for amount base
func (p *Pool) QuoteBuyBase(ctx context.Context, now time.Time, amount *big.Int) (*big.Int, error) {
	return p.quoteOne(ctx, now, dirBaseOut, amount)
}

// QuoteBuyYield returns the base BuyYield would charge for amount yield
func (p *Pool) QuoteBuyYield(ctx context.Context, now time.Time, amount *big.Int) (*big.Int, error) {
	return p.quoteOne(ctx, now, dirYieldOut, amount)
}

// execute prices and settles a trade in one ledger transaction
func (p *Pool) execute(ctx context.Context, now time.Time, dir direction, trader, to common.Address, exact *big.Int) (*big.Int, error) {
	var t *trade
	err := p.book.Atomic(ctx, func(ctx context.Context) error {
		var err error
		if t, err = p.quote(ctx, now, dir, exact); err != nil {
			return err
		}

		inAsset, inAmt, outAsset, outAmt := p.cfg.Yield, t.yieldAmt, p.cfg.Base, t.baseAmt
		if t.takesBase {
			inAsset, inAmt, outAsset, outAmt = p.cfg.Base, t.baseAmt, p.cfg.Yield, t.yieldAmt
		}
		if err := p.book.Transfer(ctx, inAsset, trader, p.cfg.Account, inAmt); err != nil {
			return fmt.Errorf("failed to collect %s: %w", t.kind, err)
		}
		if err := p.book.Transfer(ctx, outAsset, p.cfg.Account, to, outAmt); err != nil {
			return fmt.Errorf("failed to pay out %s: %w", t.kind, err)
		}

		p.book.OnCommit(ctx, func() {
			if p.metrics != nil {
				p.metrics.Trades.WithLabelValues(t.kind).Inc()
				p.metrics.Volume.WithLabelValues("base").Add(math.Float64(t.baseAmt))
				p.metrics.Volume.WithLabelValues("yield").Add(math.Float64(t.yieldAmt))
			}
			p.logger.Info("Executed trade",
				zap.String("kind", t.kind),
				zap.String("trader", trader.Hex()),
				zap.String("base", t.baseAmt.String()),
				zap.String("yield", t.yieldAmt.String()))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dir == dirBaseIn || dir == dirBaseOut {
		return t.yieldAmt, nil
	}
	return t.baseAmt, nil
}

// SellBaseForYield takes amount base from trader and pays the yield out to to
func (p *Pool) SellBaseForYield(ctx context.Context, now time.Time, trader, to common.Address, amount *big.Int) (*big.Int, error) {
	return p.execute(ctx, now, dirBaseIn, trader, to, amount)
}

// SellYieldForBase takes amount yield from trader and pays the base out to to
func (p *Pool) SellYieldForBase(ctx context.Context, now time.Time, trader, to common.Address, amount *big.Int) (*big.Int, error) {
	return p.execute(ctx, now, dirYieldIn, trader, to, amount)
}

// BuyBase pays exactly amount base to to and returns the yield taken from trader
func (p *Pool) BuyBase(ctx context.Context, now time.Time, trader, to common.Address, amount *big.Int) (*big.Int, error) {
	return p.execute(ctx, now, dirBaseOut, trader, to, amount)
}

// BuyYield pays exactly amount yield to to and returns the base taken from trader
func (p *Pool) BuyYield(ctx context.Context, now time.Time, trader, to common.Address, amount *big.Int) (*big.Int, error) {
	return p.execute(ctx, now, dirYieldOut, trader, to, amount)
}

// Authorize lets custodian move base out of the pool with Release
func (p *Pool) Authorize(caller, custodian common.Address) error {
	if caller != p.cfg.Owner {
		return fmt.Errorf("%w: %s is not the pool owner", dex.ErrUnauthorized, caller.Hex())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.custodians[custodian] = true
	p.logger.Info("Authorized custodian", zap.String("custodian", custodian.Hex()))
	return nil
}

// Release moves amount of base out of pool custody to to. Only authorized
// custodians may call it, and the funds must be returned within the same
// ledger transaction for the pool to stay whole.
func (p *Pool) Release(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	p.mu.RLock()
	ok := p.custodians[caller]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s may not release pool funds", dex.ErrUnauthorized, caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return dex.ErrInvalidAmount
	}

	return p.book.Atomic(ctx, func(ctx context.Context) error {
		reserve, err := p.book.BalanceOf(ctx, p.cfg.Base, p.cfg.Account)
		if err != nil {
			return err
		}
		if amount.Cmp(reserve) > 0 {
			return fmt.Errorf("%w: release of %s exceeds base reserve %s", dex.ErrInsufficientReserves, amount, reserve)
		}
		return p.book.Transfer(ctx, p.cfg.Base, p.cfg.Account, to, amount)
	})
}
