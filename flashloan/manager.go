package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Manager routes flash loans across several lenders, for example pools of
// different maturities lending the same asset. It is itself a Lender.
type Manager struct {
	mu      sync.RWMutex
	metrics struct {
		lenderSelections *prometheus.CounterVec
		executionLatency prometheus.Histogram
		errors           *prometheus.CounterVec
	}
	lenders []Lender
	logger  *zap.Logger
}

var _ Lender = (*Manager)(nil)

// NewManager creates a manager with no lenders. A nil registerer leaves its
// metrics unregistered.
func NewManager(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		logger: logger,
	}

	factory := promauto.With(reg)
	manager.metrics.lenderSelections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "manager_lender_selections_total",
		Help:      "Number of times each lender was selected",
	}, []string{"lender"})

	manager.metrics.executionLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "manager_execution_latency_seconds",
		Help:      "Latency of routed flash loan execution",
		Buckets:   prometheus.DefBuckets,
	})

	manager.metrics.errors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "manager_errors_total",
		Help:      "Number of routed flash loan errors by kind",
	}, []string{"kind"})

	return manager
}

// AddLender adds a lender to the routing set
func (m *Manager) AddLender(lender Lender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lenders = append(m.lenders, lender)
}

// Lenders returns the routing set
func (m *Manager) Lenders() []Lender {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Lender(nil), m.lenders...)
}

func (m *Manager) String() string { return "manager" }

// MaxFlashLoan returns the largest loan any single lender can serve
func (m *Manager) MaxFlashLoan(ctx context.Context, asset common.Address) (*big.Int, error) {
	best := new(big.Int)
	for _, lender := range m.Lenders() {
		max, err := lender.MaxFlashLoan(ctx, asset)
		if err != nil {
			m.logger.Warn("Failed to get lender liquidity", zap.Stringer("lender", lender), zap.Error(err))
			continue
		}
		best = math.Max(best, max)
	}
	return best, nil
}

// FlashFee returns the lowest fee among lenders able to serve amount
func (m *Manager) FlashFee(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	_, fee, err := m.BestQuote(ctx, asset, amount)
	return fee, err
}

// BestQuote selects the lender with enough liquidity and the lowest fee
func (m *Manager) BestQuote(ctx context.Context, asset common.Address, amount *big.Int) (Lender, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	lenders := m.Lenders()
	if len(lenders) == 0 {
		return nil, nil, fmt.Errorf("%w: no lenders registered", ErrNoLender)
	}

	var (
		bestLender Lender
		bestFee    *big.Int
		reason     error
	)
	for _, lender := range lenders {
		max, err := lender.MaxFlashLoan(ctx, asset)
		if err != nil {
			reason = pickReason(reason, err)
			continue
		}
		if max.Cmp(amount) < 0 {
			reason = pickReason(reason, m.skipReason(ctx, lender, asset, amount, max))
			continue
		}

		fee, err := lender.FlashFee(ctx, asset, amount)
		if err != nil {
			m.logger.Warn("Failed to get lender fee", zap.Stringer("lender", lender), zap.Error(err))
			reason = pickReason(reason, err)
			continue
		}

		if bestFee == nil || fee.Cmp(bestFee) < 0 {
			bestLender = lender
			bestFee = fee
		}
	}

	if bestLender == nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNoLender, reason)
	}
	return bestLender, bestFee, nil
}

// FlashLoan routes the loan to the cheapest lender
func (m *Manager) FlashLoan(ctx context.Context, initiator common.Address, receiver Borrower, asset common.Address, amount *big.Int, data []byte) error {
	_, err := m.ExecuteFlashLoan(ctx, FlashLoanParams{
		Initiator: initiator,
		Receiver:  receiver,
		Asset:     asset,
		Amount:    amount,
		Data:      data,
	})
	return err
}

// ExecuteFlashLoan executes a flash loan with optimal lender selection and
// returns the lender that served it
func (m *Manager) ExecuteFlashLoan(ctx context.Context, params FlashLoanParams) (Lender, error) {
	start := time.Now()
	defer func() {
		m.metrics.executionLatency.Observe(time.Since(start).Seconds())
	}()

	lender, fee, err := m.BestQuote(ctx, params.Asset, params.Amount)
	if err != nil {
		m.metrics.errors.WithLabelValues(ErrorKind(err)).Inc()
		return nil, fmt.Errorf("failed to select lender: %w", err)
	}
	m.metrics.lenderSelections.WithLabelValues(lender.String()).Inc()
	m.logger.Debug("Selected lender",
		zap.Stringer("lender", lender),
		zap.String("fee", fee.String()))

	if err := lender.FlashLoan(ctx, params.Initiator, params.Receiver, params.Asset, params.Amount, params.Data); err != nil {
		m.metrics.errors.WithLabelValues(ErrorKind(err)).Inc()
		return nil, fmt.Errorf("failed to execute flash loan on %s: %w", lender, err)
	}
	return lender, nil
}

// skipReason explains why a lender offering at most max cannot lend amount.
// The lender's own fee quote names the cause when it has one.
func (m *Manager) skipReason(ctx context.Context, lender Lender, asset common.Address, amount, max *big.Int) error {
	if _, err := lender.FlashFee(ctx, asset, amount); err != nil {
		return err
	}
	if max.Sign() == 0 {
		return fmt.Errorf("%w: %s does not lend %s", ErrUnsupportedAsset, lender, asset.Hex())
	}
	return fmt.Errorf("%w: %s lends at most %s", ErrAmountTooLarge, lender, max)
}

// pickReason keeps the most telling rejection seen so far. Liquidity
// shortfalls rank highest, unsupported assets lowest.
func pickReason(current, next error) error {
	if current == nil || reasonRank(next) > reasonRank(current) {
		return next
	}
	return current
}

func reasonRank(err error) int {
	switch {
	case errors.Is(err, ErrAmountTooLarge), errors.Is(err, ErrInsufficientReserves):
		return 2
	case errors.Is(err, ErrUnsupportedAsset):
		return 0
	default:
		return 1
	}
}
