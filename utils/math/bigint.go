package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point scale of every asset handled by the lender.
const Decimals int32 = 18

// WAD is one whole token expressed in base units
var WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals)), nil)

// ParseUnits converts a human readable amount ("1.5") into base units.
// Fractions finer than the asset scale are rejected rather than silently truncated.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// MustParseUnits is ParseUnits for constants and fixtures
func MustParseUnits(s string) *big.Int {
	v, err := ParseUnits(s, Decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseAmount parses a raw non-negative integer in base units ("1000000000000000000").
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid base unit amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("invalid base unit amount %q: negative", s)
	}
	return v, nil
}

// FormatUnits renders base units as a token amount.
func FormatUnits(x *big.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -decimals).String()
}

// ToDecimal converts base units into whole-token scale.
func ToDecimal(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -Decimals)
}

// FloorUnits converts a whole-token amount back to base units, rounding down.
func FloorUnits(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Floor().BigInt()
}

// CeilUnits converts a whole-token amount back to base units, rounding up.
func CeilUnits(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Ceil().BigInt()
}

// Float64 is a lossy token-scale view used for metrics only.
func Float64(x *big.Int) float64 {
	return ToDecimal(x).InexactFloat64()
}

// Clone returns an independent copy, treating nil as zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// Sum adds all values into a fresh integer.
func Sum(xs ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, x := range xs {
		if x != nil {
			total.Add(total, x)
		}
	}
	return total
}

// Max returns the larger of x and y
func Max(x, y *big.Int) *big.Int {
	if x.Cmp(y) >= 0 {
		return Clone(x)
	}
	return Clone(y)
}
