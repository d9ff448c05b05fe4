package flashloan_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex/yieldspace"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"github.com/michaelpento.lv/flashlender/flashloan/borrower"
	"github.com/michaelpento.lv/flashlender/ledger"
	tu "github.com/michaelpento.lv/flashlender/utils/testutils"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type memorySink struct {
	mu       sync.Mutex
	receipts []*flashloan.Receipt
}

func (s *memorySink) Record(_ context.Context, r *flashloan.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func TestFlashLoanEndToEnd(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	s := tu.NewScenario(t, tu.ScenarioOptions{
		LenderOptions: []flashloan.Option{flashloan.WithReceiptSink(sink)},
	})

	amount := tu.Units("1")
	fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, amount)
	require.NoError(t, err)
	assert.True(t, fee.Cmp(tu.Units("0.006")) > 0, "fee %s", fee)
	assert.True(t, fee.Cmp(tu.Units("0.009")) < 0, "fee %s", fee)

	startBalance := s.Balance(t, tu.BaseAsset, tu.BorrowerAccount)
	before, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, amount, []byte("scenario")))

	// borrower paid exactly the fee
	wantBalance := new(big.Int).Sub(startBalance, fee)
	assert.Equal(t, wantBalance.String(), s.Balance(t, tu.BaseAsset, tu.BorrowerAccount).String())

	// pool earned exactly the fee, yield untouched
	after, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(before.Base, fee).String(), after.Base.String())
	assert.Equal(t, before.Yield.String(), after.Yield.String())

	// lender holds nothing between loans
	assert.Equal(t, "0", s.Balance(t, tu.BaseAsset, tu.LenderAccount).String())

	call, ok := s.Borrower.LastCall()
	require.True(t, ok)
	assert.Equal(t, tu.BorrowerAccount, call.Initiator)
	assert.Equal(t, amount.String(), call.Amount.String())
	assert.Equal(t, fee.String(), call.Fee.String())
	assert.Equal(t, new(big.Int).Add(startBalance, amount).String(), call.Balance.String())
	assert.Equal(t, []byte("scenario"), call.Data)

	require.Len(t, sink.receipts, 1)
	r := sink.receipts[0]
	assert.Equal(t, new(big.Int).Add(amount, fee).String(), r.RepaymentDue.String())
	assert.Equal(t, "test-lender", r.Lender)
	assert.Equal(t, uint64(1), s.Lender.Served())
}

func TestFlashLoanRollback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		action  borrower.Action
		wantErr []error
	}{
		{"RepayShort", borrower.RepayShort, []error{flashloan.ErrRepaymentShortfall}},
		{"RepayNothing", borrower.RepayNothing, []error{flashloan.ErrRepaymentShortfall}},
		{"Fail", borrower.Fail, []error{flashloan.ErrCallbackFailed, borrower.ErrBorrowerFailed}},
		{"Panic", borrower.Panic, []error{flashloan.ErrCallbackFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memorySink{}
			s := tu.NewScenario(t, tu.ScenarioOptions{
				LenderOptions: []flashloan.Option{flashloan.WithReceiptSink(sink)},
			})
			s.Borrower.SetAction(tt.action)
			digest := s.Digest(t)

			err := s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil)
			for _, want := range tt.wantErr {
				require.ErrorIs(t, err, want)
			}

			assert.Equal(t, digest, s.Digest(t), "ledger must be bit-identical after a failed loan")
			assert.Empty(t, sink.receipts)
			assert.Equal(t, uint64(0), s.Lender.Served())

			// the lender still serves well-behaved borrowers afterwards
			s.Borrower.SetAction(borrower.Repay)
			require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))
		})
	}
}

func TestFlashLoanWholeReserve(t *testing.T) {
	ctx := context.Background()
	s := tu.NewScenario(t, tu.ScenarioOptions{})

	max, err := s.Lender.MaxFlashLoan(ctx, tu.BaseAsset)
	require.NoError(t, err)
	fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, max)
	require.NoError(t, err)
	assert.Equal(t, 1, fee.Sign())

	_, err = s.Lender.FlashFee(ctx, tu.BaseAsset, new(big.Int).Add(max, big.NewInt(1)))
	require.ErrorIs(t, err, flashloan.ErrAmountTooLarge)

	require.NoError(t, s.Book.Mint(ctx, tu.BaseAsset, tu.BorrowerAccount, fee))
	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, max, nil))

	after, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(max, fee).String(), after.Base.String())
}

func TestReceiptTimestampIsPricingInstant(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	var ticks atomic.Int64
	ticking := func() time.Time {
		return tu.Start.Add(time.Duration(ticks.Add(1)) * 24 * time.Hour)
	}
	s := tu.NewScenario(t, tu.ScenarioOptions{
		LenderOptions: []flashloan.Option{flashloan.WithClock(ticking), flashloan.WithReceiptSink(sink)},
	})
	amount := tu.Units("10")

	require.NoError(t, s.Book.Mint(ctx, tu.BaseAsset, tu.BorrowerAccount, tu.Units("1")))
	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, amount, nil))
	require.Len(t, sink.receipts, 1)
	r := sink.receipts[0]

	// reprice against the reserves the loan started from
	state, err := s.Pool.Snapshot(ctx, r.Timestamp)
	require.NoError(t, err)
	state = state.Apply(new(big.Int).Neg(r.Fee), new(big.Int))
	want, err := flashloan.ComputeFee(state, amount)
	require.NoError(t, err)
	assert.Equal(t, want.String(), r.Fee.String())

	earlier := state
	earlier.TimeToMaturity += 24 * time.Hour
	stale, err := flashloan.ComputeFee(earlier, amount)
	require.NoError(t, err)
	assert.NotEqual(t, stale.String(), r.Fee.String())
}

// detachedBorrower calls back into the lender with a context of its own
type detachedBorrower struct {
	lender   flashloan.Lender
	timeout  time.Duration
	innerErr error
}

func (b *detachedBorrower) Address() common.Address { return tu.BorrowerAccount }

func (b *detachedBorrower) OnFlashLoan(_ context.Context, initiator, asset common.Address, amount, _ *big.Int, _ []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	b.innerErr = b.lender.FlashLoan(ctx, initiator, b, asset, amount, nil)
	return common.Hash{}, errors.New("gave up")
}

func TestFlashLoanDetachedReentry(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	s := tu.NewScenario(t, tu.ScenarioOptions{Logger: zap.New(core)})
	digest := s.Digest(t)

	b := &detachedBorrower{lender: s.Lender, timeout: 50 * time.Millisecond}
	err := s.Lender.FlashLoan(ctx, tu.BorrowerAccount, b, tu.BaseAsset, tu.Units("1"), nil)
	require.ErrorIs(t, err, flashloan.ErrCallbackFailed)
	require.ErrorIs(t, b.innerErr, context.DeadlineExceeded)

	assert.Equal(t, 1, logs.FilterMessage("Waiting for the flash loan in progress").Len())
	assert.Equal(t, digest, s.Digest(t))
	assert.Equal(t, uint64(0), s.Lender.Served())
}

func TestFlashLoanReentrancy(t *testing.T) {
	ctx := context.Background()
	s := tu.NewScenario(t, tu.ScenarioOptions{})
	s.Borrower.SetAction(borrower.Reenter)

	amount := tu.Units("1")
	fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, amount)
	require.NoError(t, err)
	startBalance := s.Balance(t, tu.BaseAsset, tu.BorrowerAccount)

	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, amount, nil))

	call, ok := s.Borrower.LastCall()
	require.True(t, ok)
	require.ErrorIs(t, call.ReentryErr, flashloan.ErrReentrancyBlocked)

	assert.Equal(t, new(big.Int).Sub(startBalance, fee).String(),
		s.Balance(t, tu.BaseAsset, tu.BorrowerAccount).String())
	assert.Equal(t, uint64(1), s.Lender.Served())
}

func TestFlashLoanMaturityBoundary(t *testing.T) {
	ctx := context.Background()
	s := tu.NewScenario(t, tu.ScenarioOptions{})
	amount := tu.Units("1")
	maturity := s.Pool.Maturity()

	s.Clock.Set(maturity.Add(-time.Second))
	fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, amount)
	require.NoError(t, err)
	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, amount, nil))

	// a second before maturity the curve is nearly flat
	assert.True(t, fee.Cmp(tu.Units("0.000001")) < 0, "fee %s", fee)

	for _, now := range []time.Time{maturity, maturity.Add(time.Hour)} {
		s.Clock.Set(now)
		digest := s.Digest(t)

		_, err = s.Lender.FlashFee(ctx, tu.BaseAsset, amount)
		require.ErrorIs(t, err, flashloan.ErrPastMaturity)

		err = s.Borrower.FlashBorrow(ctx, tu.BaseAsset, amount, nil)
		require.ErrorIs(t, err, flashloan.ErrPastMaturity)
		assert.Equal(t, digest, s.Digest(t))
	}
}

func TestFlashLoanValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("UnsupportedAsset", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{})

		_, err := s.Lender.FlashFee(ctx, tu.YieldAsset, tu.Units("1"))
		require.ErrorIs(t, err, flashloan.ErrUnsupportedAsset)

		err = s.Borrower.FlashBorrow(ctx, tu.YieldAsset, tu.Units("1"), nil)
		require.ErrorIs(t, err, flashloan.ErrUnsupportedAsset)

		max, err := s.Lender.MaxFlashLoan(ctx, tu.YieldAsset)
		require.NoError(t, err)
		assert.Equal(t, "0", max.String())

		max, err = s.Lender.MaxFlashLoan(ctx, tu.BaseAsset)
		require.NoError(t, err)
		r, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		assert.Equal(t, r.Base.String(), max.String())
	})

	t.Run("NotConfigured", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{SkipBind: true})

		err := s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil)
		require.ErrorIs(t, err, flashloan.ErrLenderNotConfigured)

		_, err = s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units("1"))
		require.ErrorIs(t, err, flashloan.ErrLenderNotConfigured)

		_, err = s.Lender.MaxFlashLoan(ctx, tu.BaseAsset)
		require.ErrorIs(t, err, flashloan.ErrLenderNotConfigured)
	})

	t.Run("AmountTooLarge", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{})
		r, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		tooMuch := new(big.Int).Add(r.Base, big.NewInt(1))

		_, err = s.Lender.FlashFee(ctx, tu.BaseAsset, tooMuch)
		require.ErrorIs(t, err, flashloan.ErrAmountTooLarge)

		digest := s.Digest(t)
		err = s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tooMuch, nil)
		require.ErrorIs(t, err, flashloan.ErrAmountTooLarge)
		assert.Equal(t, digest, s.Digest(t))
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{})
		_, err := s.Lender.FlashFee(ctx, tu.BaseAsset, big.NewInt(0))
		require.ErrorIs(t, err, flashloan.ErrInvalidAmount)
		err = s.Borrower.FlashBorrow(ctx, tu.BaseAsset, nil, nil)
		require.ErrorIs(t, err, flashloan.ErrInvalidAmount)
	})
}

func TestFlashFeeProperties(t *testing.T) {
	ctx := context.Background()
	s := tu.NewScenario(t, tu.ScenarioOptions{})

	var prev *big.Int
	for _, amount := range []string{"0.01", "0.1", "1", "10", "50"} {
		fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units(amount))
		require.NoError(t, err)
		assert.True(t, fee.Sign() >= 0)

		again, err := s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units(amount))
		require.NoError(t, err)
		assert.Equal(t, fee.String(), again.String(), "fee must be deterministic")

		if prev != nil {
			assert.Equal(t, 1, fee.Cmp(prev), "fee must grow with amount")
		}
		prev = fee
	}
}

func TestFlashLoanSurplus(t *testing.T) {
	ctx := context.Background()
	extra := tu.Units("0.1")

	t.Run("ToTreasury", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{
			LenderConfig: func(cfg *flashloan.Config) { cfg.Treasury = tu.Treasury },
		})
		s.Borrower.SetAction(borrower.Overpay)
		s.Borrower.SetExtra(extra)

		before, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units("1"))
		require.NoError(t, err)

		require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))

		assert.Equal(t, extra.String(), s.Balance(t, tu.BaseAsset, tu.Treasury).String())
		after, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		assert.Equal(t, new(big.Int).Add(before.Base, fee).String(), after.Base.String())
	})

	t.Run("DonatedToPool", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{})
		s.Borrower.SetAction(borrower.Overpay)
		s.Borrower.SetExtra(extra)

		before, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		fee, err := s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units("1"))
		require.NoError(t, err)

		require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))

		after, err := s.Pool.Reserves(ctx)
		require.NoError(t, err)
		want := new(big.Int).Add(before.Base, new(big.Int).Add(fee, extra))
		assert.Equal(t, want.String(), after.Base.String())
	})
}

func TestFlashLoanWrongAck(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	s := tu.NewScenario(t, tu.ScenarioOptions{Logger: zap.New(core)})
	s.Borrower.SetAction(borrower.WrongAck)

	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))
	assert.Equal(t, 1, logs.FilterMessage("Unexpected borrower acknowledgement").Len())
}

func TestSetPool(t *testing.T) {
	ctx := context.Background()

	t.Run("OwnerOnly", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{SkipBind: true})
		err := s.Lender.SetPool(ctx, tu.BorrowerAccount, s.Pool)
		require.ErrorIs(t, err, flashloan.ErrUnauthorized)
		_, bound := s.Lender.Pool()
		assert.False(t, bound)
	})

	t.Run("AssetMismatch", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{SkipBind: true})
		other, err := yieldspace.NewPool(yieldspace.Config{
			Account:  tu.PoolAccount,
			Base:     tu.YieldAsset,
			Yield:    tu.BaseAsset,
			Maturity: tu.Start.Add(tu.SixMonths),
			Params:   yieldspace.DefaultParams(),
		}, s.Book, nil, nil)
		require.NoError(t, err)

		err = s.Lender.SetPool(ctx, tu.Owner, other)
		require.ErrorIs(t, err, flashloan.ErrUnsupportedAsset)
	})

	t.Run("LockedAfterFirstLoan", func(t *testing.T) {
		s := tu.NewScenario(t, tu.ScenarioOptions{})
		require.NoError(t, s.Lender.SetPool(ctx, tu.Owner, s.Pool))

		require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))
		err := s.Lender.SetPool(ctx, tu.Owner, s.Pool)
		require.ErrorIs(t, err, flashloan.ErrPoolLocked)
	})
}

func TestFlashLoanMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewLenderMetrics(prometheus.NewRegistry(), "test", "test-lender")
	s := tu.NewScenario(t, tu.ScenarioOptions{
		LenderConfig:  func(cfg *flashloan.Config) { cfg.QuoteCacheSize = 16 },
		LenderOptions: []flashloan.Option{flashloan.WithMetrics(m)},
	})

	_, err := s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units("1"))
	require.NoError(t, err)
	_, err = s.Lender.FlashFee(ctx, tu.BaseAsset, tu.Units("1"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits))

	require.NoError(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Loans))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Volume))

	s.Borrower.SetAction(borrower.RepayShort)
	require.Error(t, s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("repayment_shortfall")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Loans))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveLoans))
}

func TestFlashLoanConcurrent(t *testing.T) {
	ctx := context.Background()
	s := tu.NewScenario(t, tu.ScenarioOptions{})

	startBalance := s.Balance(t, tu.BaseAsset, tu.BorrowerAccount)
	before, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return s.Borrower.FlashBorrow(ctx, tu.BaseAsset, tu.Units("1"), nil)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(8), s.Lender.Served())

	after, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)
	paid := new(big.Int).Sub(startBalance, s.Balance(t, tu.BaseAsset, tu.BorrowerAccount))
	earned := new(big.Int).Sub(after.Base, before.Base)
	assert.Equal(t, paid.String(), earned.String())
	assert.True(t, paid.Sign() > 0)
}

func TestLenderRejectsMissingLedger(t *testing.T) {
	_, err := flashloan.NewFlashLender(flashloan.Config{Account: tu.LenderAccount}, nil, nil)
	require.Error(t, err)

	_, err = flashloan.NewFlashLender(flashloan.Config{}, ledger.NewBook(nil), nil)
	require.Error(t, err)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{flashloan.ErrPastMaturity, "past_maturity"},
		{errors.Join(flashloan.ErrCallbackFailed, flashloan.ErrReentrancyBlocked), "callback_failed"},
		{ledger.ErrInsufficientBalance, "insufficient_balance"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, flashloan.ErrorKind(tt.err))
	}
}
