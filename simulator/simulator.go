package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"go.uber.org/zap"
)

// errDryRun forces the simulation transaction to roll back
var errDryRun = errors.New("dry run")

// SimulationResult represents the outcome of a dry-run flash loan
type SimulationResult struct {
	Success           bool
	Fee               *big.Int
	BaseReserveDelta  *big.Int
	YieldReserveDelta *big.Int
	BorrowerDelta     *big.Int
	Duration          time.Duration
	Error             error
}

// Simulator runs flash loans against the live ledger and always rolls
// them back
type Simulator struct {
	book   dex.Ledger
	logger *zap.Logger
}

// NewSimulator creates a new flash loan simulator
func NewSimulator(book dex.Ledger, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		book:   book,
		logger: logger,
	}
}

// SimulateFlashLoan executes the loan inside a ledger transaction that is
// reverted afterwards. Loan failures are reported in the result, the error
// return is reserved for the simulation itself failing.
func (s *Simulator) SimulateFlashLoan(ctx context.Context, lender flashloan.Lender, pool flashloan.Pool, borrower flashloan.Borrower, asset common.Address, amount *big.Int, data []byte) (*SimulationResult, error) {
	result := &SimulationResult{}
	start := time.Now()

	err := s.book.Atomic(ctx, func(ctx context.Context) error {
		before, err := pool.Reserves(ctx)
		if err != nil {
			return err
		}
		startBalance, err := s.book.BalanceOf(ctx, asset, borrower.Address())
		if err != nil {
			return err
		}

		if result.Fee, err = lender.FlashFee(ctx, asset, amount); err != nil {
			result.Error = err
			return errDryRun
		}
		if err := lender.FlashLoan(ctx, borrower.Address(), borrower, asset, amount, data); err != nil {
			result.Error = err
			return errDryRun
		}

		after, err := pool.Reserves(ctx)
		if err != nil {
			return err
		}
		endBalance, err := s.book.BalanceOf(ctx, asset, borrower.Address())
		if err != nil {
			return err
		}

		result.Success = true
		result.BaseReserveDelta = new(big.Int).Sub(after.Base, before.Base)
		result.YieldReserveDelta = new(big.Int).Sub(after.Yield, before.Yield)
		result.BorrowerDelta = new(big.Int).Sub(endBalance, startBalance)
		return errDryRun
	})
	result.Duration = time.Since(start)

	if !errors.Is(err, errDryRun) {
		return nil, fmt.Errorf("failed to simulate flash loan: %w", err)
	}

	s.logger.Debug("Simulated flash loan",
		zap.Bool("success", result.Success),
		zap.Stringer("amount", amount),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))
	return result, nil
}
