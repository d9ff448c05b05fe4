package yieldspace

import (
	"fmt"
	"math/big"
	"time"

	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/shopspring/decimal"
)

// DefaultStretch is the time scale of the curve: four 365-day years
const DefaultStretch = 126144000 * time.Second

// Params are the immutable curve parameters of a pool
type Params struct {
	// G1 is the fee factor applied when base flows in and yield flows out
	G1 decimal.Decimal
	// G2 is the fee factor applied when yield flows in and base flows out
	G2 decimal.Decimal
	// Stretch converts time to maturity into the curve's t
	Stretch time.Duration
}

// NewParams derives g2 = 1/g1
func NewParams(g1 decimal.Decimal, stretch time.Duration) Params {
	p := Params{G1: g1, Stretch: stretch}
	if g1.Sign() > 0 {
		p.G2 = one.DivRound(g1, precision)
	}
	return p
}

// DefaultParams returns g1 = 0.95, g2 = 1/0.95 over a four year stretch
func DefaultParams() Params {
	return NewParams(decimal.RequireFromString("0.95"), DefaultStretch)
}

// Validate checks the parameters are usable
func (p Params) Validate() error {
	if p.G1.Sign() <= 0 || p.G2.Sign() <= 0 {
		return fmt.Errorf("fee factors must be positive (g1=%s, g2=%s)", p.G1, p.G2)
	}
	if p.Stretch <= 0 {
		return fmt.Errorf("stretch must be positive, got %s", p.Stretch)
	}
	return nil
}

// State is an immutable view of a pool at one instant. All pricing is a pure
// function of it.
type State struct {
	Base           *big.Int
	Yield          *big.Int
	TimeToMaturity time.Duration
	Params         Params
}

// Apply returns the state after the reserves move by dBase and dYield
func (s State) Apply(dBase, dYield *big.Int) State {
	next := s
	next.Base = new(big.Int).Add(s.Base, dBase)
	next.Yield = new(big.Int).Add(s.Yield, dYield)
	return next
}

// String renders the state for logs and cache keys
func (s State) String() string {
	return fmt.Sprintf("base=%s yield=%s ttm=%d g1=%s g2=%s stretch=%d",
		s.Base, s.Yield, int64(s.TimeToMaturity), s.Params.G1, s.Params.G2, int64(s.Params.Stretch))
}

// exponent returns a = 1 - g*t
func (s State) exponent(g decimal.Decimal) (decimal.Decimal, error) {
	if s.TimeToMaturity <= 0 {
		return decimal.Zero, dex.ErrPastMaturity
	}
	t := decimal.NewFromInt(int64(s.TimeToMaturity)).
		DivRound(decimal.NewFromInt(int64(s.Params.Stretch)), precision)
	a := one.Sub(g.Mul(t)).Round(precision)
	if a.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: g*t = %s", dex.ErrMaturityTooFar, g.Mul(t).StringFixed(6))
	}
	return a, nil
}

type direction int

const (
	dirBaseIn direction = iota
	dirYieldIn
	dirBaseOut
	dirYieldOut
)

func (d direction) String() string {
	switch d {
	case dirBaseIn:
		return "base in"
	case dirYieldIn:
		return "yield in"
	case dirBaseOut:
		return "base out"
	default:
		return "yield out"
	}
}

// YieldOutForBaseIn returns the yield paid out for dx base in
func (s State) YieldOutForBaseIn(dx *big.Int) (*big.Int, error) {
	return s.price(dirBaseIn, dx)
}

// BaseOutForYieldIn returns the base paid out for dy yield in
func (s State) BaseOutForYieldIn(dy *big.Int) (*big.Int, error) {
	return s.price(dirYieldIn, dy)
}

// YieldInForBaseOut returns the yield required to take dx base out
func (s State) YieldInForBaseOut(dx *big.Int) (*big.Int, error) {
	return s.price(dirBaseOut, dx)
}

// BaseInForYieldOut returns the base required to take dy yield out
func (s State) BaseInForYieldOut(dy *big.Int) (*big.Int, error) {
	return s.price(dirYieldOut, dy)
}

func (s State) price(dir direction, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, dex.ErrInvalidAmount
	}
	if s.Base == nil || s.Yield == nil || s.Base.Sign() < 0 || s.Yield.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid reserves", dex.ErrInsufficientReserves)
	}

	g := s.Params.G1
	if dir == dirYieldIn || dir == dirBaseOut {
		g = s.Params.G2
	}
	a, err := s.exponent(g)
	if err != nil {
		return nil, err
	}

	x, y, d := math.ToDecimal(s.Base), math.ToDecimal(s.Yield), math.ToDecimal(amount)

	// moved is the reserve that changes by the known amount, fixed the one solved for
	var moved, fixed decimal.Decimal
	switch dir {
	case dirBaseIn:
		moved, fixed = x.Add(d), y
	case dirYieldIn:
		moved, fixed = y.Add(d), x
	case dirBaseOut:
		if amount.Cmp(s.Base) > 0 {
			return nil, fmt.Errorf("%w: %s base out of %s", dex.ErrInsufficientReserves, amount, s.Base)
		}
		moved, fixed = x.Sub(d), y
	case dirYieldOut:
		if amount.Cmp(s.Yield) > 0 {
			return nil, fmt.Errorf("%w: %s yield out of %s", dex.ErrInsufficientReserves, amount, s.Yield)
		}
		moved, fixed = y.Sub(d), x
	}

	curveMu.Lock()
	defer curveMu.Unlock()

	k, err := invariant(x, y, a)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate curve invariant: %w", err)
	}
	solved, ok, err := solve(k, moved, a)
	if err != nil {
		return nil, fmt.Errorf("failed to solve curve for %s: %w", dir, err)
	}

	switch dir {
	case dirBaseIn, dirYieldIn:
		if !ok {
			return nil, fmt.Errorf("%w: %s %s drains the pool", dex.ErrInsufficientReserves, dir, amount)
		}
		out := math.FloorUnits(fixed.Sub(solved))
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
		return out, nil
	default:
		if !ok {
			return nil, fmt.Errorf("%w: curve has no solution for %s %s", dex.ErrInsufficientReserves, dir, amount)
		}
		in := math.CeilUnits(solved.Sub(fixed))
		if in.Sign() < 0 {
			in.SetInt64(0)
		}
		return in, nil
	}
}
