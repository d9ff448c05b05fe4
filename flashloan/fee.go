package flashloan

import (
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/michaelpento.lv/flashlender/dex/yieldspace"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
)

// ComputeFee prices a flash loan of amount base against state. The fee is
// what it costs to sell yield for amount base and buy the same yield back
// from the reserves that trade leaves behind, less amount.
func ComputeFee(state yieldspace.State, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if state.Base == nil || amount.Cmp(state.Base) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrAmountTooLarge, amount, state.Base)
	}

	yieldIn, err := state.YieldInForBaseOut(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to price base out: %w", err)
	}

	after := state.Apply(new(big.Int).Neg(amount), yieldIn)
	baseIn, err := after.BaseInForYieldOut(yieldIn)
	if err != nil {
		return nil, fmt.Errorf("failed to price yield buy back: %w", err)
	}

	fee := new(big.Int).Sub(baseIn, amount)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	return fee, nil
}

type cachedFee struct {
	fingerprint string
	fee         *big.Int
}

// FeeCalculator memoizes ComputeFee per (state, amount)
type FeeCalculator struct {
	cache   *lru.Cache
	metrics *metrics.LenderMetrics
}

// NewFeeCalculator creates a calculator caching up to size quotes. A size of
// zero disables the cache.
func NewFeeCalculator(size int, m *metrics.LenderMetrics) (*FeeCalculator, error) {
	c := &FeeCalculator{metrics: m}
	if size > 0 {
		cache, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("failed to create quote cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Fee returns ComputeFee(state, amount), from the cache when possible
func (c *FeeCalculator) Fee(state yieldspace.State, amount *big.Int) (*big.Int, error) {
	if c.metrics != nil {
		c.metrics.Quotes.Inc()
	}
	if c.cache == nil || amount == nil {
		return ComputeFee(state, amount)
	}

	fingerprint := state.String() + " amount=" + amount.String()
	key := xxhash.Sum64String(fingerprint)
	if v, ok := c.cache.Get(key); ok {
		if entry := v.(cachedFee); entry.fingerprint == fingerprint {
			if c.metrics != nil {
				c.metrics.CacheHits.Inc()
			}
			return new(big.Int).Set(entry.fee), nil
		}
	}

	fee, err := ComputeFee(state, amount)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cachedFee{fingerprint: fingerprint, fee: new(big.Int).Set(fee)})
	return fee, nil
}

// Len returns the number of cached quotes
func (c *FeeCalculator) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
