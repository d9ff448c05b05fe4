package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
	"go.uber.org/zap"
)

// Config describes a lender deployment
type Config struct {
	Name      string
	Account   common.Address // ledger account the lender settles through
	Owner     common.Address // only the owner may bind a pool
	BaseAsset common.Address // the one asset that can be borrowed
	Treasury  common.Address // receives repayment surplus, zero donates it to the pool

	// QuoteCacheSize bounds the fee cache, zero disables it
	QuoteCacheSize int
}

// binding is the lender's pool state: unbound until the owner sets a pool
type binding interface {
	pool() (Pool, bool)
}

type unbound struct{}

func (unbound) pool() (Pool, bool) { return nil, false }

type boundPool struct{ p Pool }

func (b boundPool) pool() (Pool, bool) { return b.p, true }

// FlashLender lends the base reserve of a YieldSpace pool and charges the
// fee the pool's curve implies for the round trip
type FlashLender struct {
	cfg     Config
	book    dex.Ledger
	fees    *FeeCalculator
	logger  *zap.Logger
	metrics *metrics.LenderMetrics
	sink    ReceiptSink
	now     func() time.Time

	mu      sync.RWMutex
	binding binding

	// inProgress is only set inside a ledger transaction
	inProgress atomic.Bool
	served     atomic.Uint64
}

var _ Lender = (*FlashLender)(nil)

// Option configures a FlashLender
type Option func(*FlashLender)

// WithClock replaces time.Now as the source of the pricing instant
func WithClock(now func() time.Time) Option {
	return func(l *FlashLender) { l.now = now }
}

// WithMetrics instruments the lender
func WithMetrics(m *metrics.LenderMetrics) Option {
	return func(l *FlashLender) { l.metrics = m }
}

// WithReceiptSink hands every committed receipt to sink
func WithReceiptSink(sink ReceiptSink) Option {
	return func(l *FlashLender) { l.sink = sink }
}

// NewFlashLender creates an unbound lender
func NewFlashLender(cfg Config, book dex.Ledger, logger *zap.Logger, opts ...Option) (*FlashLender, error) {
	if book == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Account == (common.Address{}) {
		return nil, errors.New("lender account is required")
	}
	if cfg.Name == "" {
		cfg.Name = "flashlender-" + cfg.BaseAsset.Hex()[2:10]
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &FlashLender{
		cfg:     cfg,
		book:    book,
		logger:  logger.With(zap.String("lender", cfg.Name)),
		now:     time.Now,
		binding: unbound{},
	}
	for _, opt := range opts {
		opt(l)
	}

	fees, err := NewFeeCalculator(cfg.QuoteCacheSize, l.metrics)
	if err != nil {
		return nil, err
	}
	l.fees = fees
	return l, nil
}

func (l *FlashLender) String() string { return l.cfg.Name }

// Account returns the lender's ledger account
func (l *FlashLender) Account() common.Address { return l.cfg.Account }

// BaseAsset returns the asset the lender lends
func (l *FlashLender) BaseAsset() common.Address { return l.cfg.BaseAsset }

// Served returns the number of committed loans
func (l *FlashLender) Served() uint64 { return l.served.Load() }

// Pool returns the bound pool
func (l *FlashLender) Pool() (Pool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.binding.pool()
}

// SetPool binds the lender to pool. Only the owner may call it, and only
// before the first loan is served.
func (l *FlashLender) SetPool(ctx context.Context, caller common.Address, pool Pool) error {
	if caller != l.cfg.Owner {
		return fmt.Errorf("%w: %s is not the lender owner", ErrUnauthorized, caller.Hex())
	}
	if pool == nil {
		return errors.New("pool is required")
	}
	if pool.BaseAsset() != l.cfg.BaseAsset {
		return fmt.Errorf("%w: pool %s lends %s, lender is configured for %s",
			ErrUnsupportedAsset, pool.GetName(), pool.BaseAsset().Hex(), l.cfg.BaseAsset.Hex())
	}

	return l.book.Atomic(ctx, func(ctx context.Context) error {
		if l.inProgress.Load() || l.served.Load() > 0 {
			return ErrPoolLocked
		}
		l.mu.Lock()
		l.binding = boundPool{p: pool}
		l.mu.Unlock()

		l.logger.Info("Bound pool",
			zap.String("pool", pool.GetName()),
			zap.Time("maturity", pool.Maturity()))
		return nil
	})
}

// MaxFlashLoan returns the pool's base reserve for the lent asset and zero
// for any other asset
func (l *FlashLender) MaxFlashLoan(ctx context.Context, asset common.Address) (*big.Int, error) {
	if asset != l.cfg.BaseAsset {
		return new(big.Int), nil
	}
	pool, ok := l.Pool()
	if !ok {
		return new(big.Int), ErrLenderNotConfigured
	}
	r, err := pool.Reserves(ctx)
	if err != nil {
		return nil, err
	}
	return r.Base, nil
}

// FlashFee returns the fee FlashLoan would charge right now
func (l *FlashLender) FlashFee(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	var fee *big.Int
	err := l.book.Atomic(ctx, func(ctx context.Context) error {
		pool, err := l.checkRequest(asset, amount)
		if err != nil {
			return err
		}
		fee, err = l.quote(ctx, pool, l.now(), amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Quoted flash fee",
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()))
	return fee, nil
}

func (l *FlashLender) checkRequest(asset common.Address, amount *big.Int) (Pool, error) {
	if asset != l.cfg.BaseAsset {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	pool, ok := l.Pool()
	if !ok {
		return nil, ErrLenderNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return pool, nil
}

// quote prices amount against the pool as it stands at now
func (l *FlashLender) quote(ctx context.Context, pool Pool, now time.Time, amount *big.Int) (*big.Int, error) {
	state, err := pool.Snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	fee, err := l.fees.Fee(state, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute flash fee: %w", err)
	}
	return fee, nil
}

// FlashLoan lends amount of asset to receiver. The loan, the callback and
// the settlement run in one ledger transaction, any failure undoes all of
// it. A callback re-entering FlashLoan on this lender gets
// ErrReentrancyBlocked.
func (l *FlashLender) FlashLoan(ctx context.Context, initiator common.Address, receiver Borrower, asset common.Address, amount *big.Int, data []byte) error {
	start := time.Now()
	if l.metrics != nil {
		l.metrics.ActiveLoans.Inc()
		defer l.metrics.ActiveLoans.Dec()
	}

	params := FlashLoanParams{
		Initiator: initiator,
		Receiver:  receiver,
		Asset:     asset,
		Amount:    amount,
		Data:      data,
	}
	if account, nested := LenderFromContext(ctx); l.inProgress.Load() && (!nested || account != l.cfg.Account) {
		// a callback calling back in with a context it was not given blocks here
		l.logger.Debug("Waiting for the flash loan in progress",
			zap.String("initiator", initiator.Hex()),
			zap.Stringer("amount", amount))
	}
	err := l.book.Atomic(ctx, func(ctx context.Context) error {
		if l.inProgress.Load() {
			return ErrReentrancyBlocked
		}
		l.inProgress.Store(true)
		defer l.inProgress.Store(false)

		return l.execute(ctx, params, start)
	})
	if err != nil {
		if l.metrics != nil {
			l.metrics.Errors.WithLabelValues(ErrorKind(err)).Inc()
		}
		l.logger.Warn("Flash loan rejected",
			zap.String("initiator", initiator.Hex()),
			zap.String("asset", asset.Hex()),
			zap.Stringer("amount", amount),
			zap.Error(err))
		return err
	}
	return nil
}

func (l *FlashLender) execute(ctx context.Context, params FlashLoanParams, start time.Time) error {
	if params.Receiver == nil {
		return errors.New("receiver is required")
	}
	pool, err := l.checkRequest(params.Asset, params.Amount)
	if err != nil {
		return err
	}

	now := l.now()
	fee, err := l.quote(ctx, pool, now, params.Amount)
	if err != nil {
		return err
	}

	before, err := l.book.BalanceOf(ctx, params.Asset, l.cfg.Account)
	if err != nil {
		return err
	}

	receiver := params.Receiver.Address()
	if err := pool.Release(ctx, l.cfg.Account, receiver, params.Amount); err != nil {
		return fmt.Errorf("failed to release loan: %w", err)
	}

	ack, err := l.callback(ctx, params, fee)
	if err != nil {
		return err
	}
	if ack != CallbackSuccess {
		l.logger.Warn("Unexpected borrower acknowledgement",
			zap.String("receiver", receiver.Hex()),
			zap.String("ack", ack.Hex()))
	}

	after, err := l.book.BalanceOf(ctx, params.Asset, l.cfg.Account)
	if err != nil {
		return err
	}
	due := math.Sum(params.Amount, fee)
	want := math.Sum(before, due)
	if after.Cmp(want) < 0 {
		return fmt.Errorf("%w: lender holds %s, needs %s", ErrRepaymentShortfall,
			new(big.Int).Sub(after, before), due)
	}

	if err := l.book.Transfer(ctx, params.Asset, l.cfg.Account, pool.Account(), due); err != nil {
		return fmt.Errorf("failed to settle with pool: %w", err)
	}

	receipt := newReceipt(params, fee, now)
	receipt.Lender = l.cfg.Name
	receipt.Pool = pool.GetName()
	if surplus := new(big.Int).Sub(after, want); surplus.Sign() > 0 {
		to := l.cfg.Treasury
		if to == (common.Address{}) {
			to = pool.Account()
		}
		if err := l.book.Transfer(ctx, params.Asset, l.cfg.Account, to, surplus); err != nil {
			return fmt.Errorf("failed to forward surplus: %w", err)
		}
		receipt.Surplus, receipt.SurplusTo = surplus, to
	}

	l.book.OnCommit(ctx, func() { l.committed(ctx, receipt, start) })
	return nil
}

type lenderKey struct{}

// LenderFromContext returns the account of the lender whose callback is
// running, which is where repayment must be sent
func LenderFromContext(ctx context.Context) (common.Address, bool) {
	account, ok := ctx.Value(lenderKey{}).(common.Address)
	return account, ok
}

// callback runs the untrusted borrower code, turning a panic into an error
func (l *FlashLender) callback(ctx context.Context, params FlashLoanParams, fee *big.Int) (ack common.Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCallbackFailed, r)
		}
	}()

	ctx = context.WithValue(ctx, lenderKey{}, l.cfg.Account)
	ack, err = params.Receiver.OnFlashLoan(ctx, params.Initiator, params.Asset,
		math.Clone(params.Amount), math.Clone(fee), params.Data)
	if err != nil {
		return ack, fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}
	return ack, nil
}

func (l *FlashLender) committed(ctx context.Context, r *Receipt, start time.Time) {
	l.served.Add(1)

	if l.metrics != nil {
		l.metrics.Loans.Inc()
		l.metrics.Volume.Add(math.Float64(r.Amount))
		l.metrics.Fees.Add(math.Float64(r.Fee))
		l.metrics.Surplus.Add(math.Float64(r.Surplus))
		l.metrics.Latency.Observe(time.Since(start).Seconds())
	}

	if l.sink != nil {
		if err := l.sink.Record(context.WithoutCancel(ctx), r); err != nil {
			l.logger.Warn("Failed to record receipt", zap.String("id", r.ID.String()), zap.Error(err))
		}
	}

	l.logger.Info("Flash loan served",
		zap.String("id", r.ID.String()),
		zap.String("receiver", r.Receiver.Hex()),
		zap.String("amount", r.Amount.String()),
		zap.String("fee", r.Fee.String()),
		zap.String("surplus", r.Surplus.String()))
}
