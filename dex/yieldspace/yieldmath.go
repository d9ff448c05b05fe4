package yieldspace

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// precision is the number of fractional digits carried through the curve,
// in whole-token scale. 18 of them map to base units, the rest absorb
// rounding in ln/exp.
const precision int32 = 36

// ExpTaylor memoizes factorials in a package global of the decimal library.
var curveMu sync.Mutex

var one = decimal.NewFromInt(1)

// pow returns x^e for x >= 0
func pow(x, e decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case x.Sign() < 0:
		return decimal.Zero, fmt.Errorf("pow of negative base %s", x)
	case x.IsZero():
		return decimal.Zero, nil
	case e.IsZero():
		return one, nil
	}

	ln, err := x.Ln(precision)
	if err != nil {
		return decimal.Zero, err
	}
	return ln.Mul(e).Round(precision).ExpTaylor(precision)
}

// invariant is the constant-power sum x^a + y^a
func invariant(x, y, a decimal.Decimal) (decimal.Decimal, error) {
	xa, err := pow(x, a)
	if err != nil {
		return decimal.Zero, err
	}
	ya, err := pow(y, a)
	if err != nil {
		return decimal.Zero, err
	}
	return xa.Add(ya), nil
}

// solve returns the reserve r with k = other^a + r^a, after one side moved to
// other. ok is false when no non-negative r exists.
func solve(k, other, a decimal.Decimal) (r decimal.Decimal, ok bool, err error) {
	oa, err := pow(other, a)
	if err != nil {
		return decimal.Zero, false, err
	}
	rest := k.Sub(oa)
	if rest.Sign() <= 0 {
		return decimal.Zero, false, nil
	}
	r, err = pow(rest, one.DivRound(a, precision))
	return r, err == nil, err
}
