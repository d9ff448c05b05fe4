package yieldspace

import (
	"math/big"
	"testing"
	"time"

	"github.com/michaelpento.lv/flashlender/dex"
	"github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sixMonths = 15778476 * time.Second

func units(s string) *big.Int { return math.MustParseUnits(s) }

func testState(base, yield string, ttm time.Duration) State {
	return State{
		Base:           units(base),
		Yield:          units(yield),
		TimeToMaturity: ttm,
		Params:         DefaultParams(),
	}
}

func TestYieldMath(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"TestMonotonePriceImpact", testMonotonePriceImpact},
		{"TestRoundTripLoses", testRoundTripLoses},
		{"TestInverseQuotes", testInverseQuotes},
		{"TestConvergesAtMaturity", testConvergesAtMaturity},
		{"TestPastMaturity", testPastMaturity},
		{"TestMaturityTooFar", testMaturityTooFar},
		{"TestReserveBounds", testReserveBounds},
		{"TestInvalidAmount", testInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testMonotonePriceImpact(t *testing.T) {
	s := testState("120", "154.4", sixMonths)

	var prevOut, prevRate *big.Float
	for _, in := range []string{"0.1", "1", "10", "50"} {
		out, err := s.YieldOutForBaseIn(units(in))
		require.NoError(t, err)

		// small trades get more yield than base while yield trades at a discount
		if units(in).Cmp(units("10")) <= 0 {
			assert.Equal(t, 1, out.Cmp(units(in)), "amount %s", in)
		}

		outF := new(big.Float).SetInt(out)
		rate := new(big.Float).Quo(outF, new(big.Float).SetInt(units(in)))
		if prevOut != nil {
			assert.Equal(t, 1, outF.Cmp(prevOut), "output must grow with input")
			assert.Equal(t, -1, rate.Cmp(prevRate), "marginal rate must worsen with size")
		}
		prevOut, prevRate = outF, rate
	}
}

func testRoundTripLoses(t *testing.T) {
	s := testState("120", "154.4", sixMonths)
	for _, in := range []string{"0.001", "1", "25"} {
		x := units(in)
		y, err := s.YieldOutForBaseIn(x)
		require.NoError(t, err)

		back, err := s.Apply(x, new(big.Int).Neg(y)).BaseOutForYieldIn(y)
		require.NoError(t, err)
		assert.True(t, back.Cmp(x) <= 0, "round trip of %s returned %s", x, back)
	}
}

func testInverseQuotes(t *testing.T) {
	s := testState("120", "154.4", sixMonths)
	dx := units("3")

	dy, err := s.YieldInForBaseOut(dx)
	require.NoError(t, err)

	// selling exactly dy must not pay out more than dx
	out, err := s.BaseOutForYieldIn(dy)
	require.NoError(t, err)
	assert.True(t, out.Cmp(dx) >= 0)
	diff := new(big.Int).Sub(out, dx)
	assert.True(t, diff.Cmp(big.NewInt(2)) <= 0, "inverse mismatch %s", diff)
}

func testConvergesAtMaturity(t *testing.T) {
	s := testState("100", "130", time.Second)
	out, err := s.YieldOutForBaseIn(units("1"))
	require.NoError(t, err)

	got := math.ToDecimal(out).InexactFloat64()
	assert.InDelta(t, 1.0, got, 1e-6)
}

func testPastMaturity(t *testing.T) {
	for _, ttm := range []time.Duration{0, -time.Second} {
		s := testState("120", "154.4", ttm)
		_, err := s.YieldOutForBaseIn(units("1"))
		require.ErrorIs(t, err, dex.ErrPastMaturity)
		_, err = s.YieldInForBaseOut(units("1"))
		require.ErrorIs(t, err, dex.ErrPastMaturity)
	}
}

func testMaturityTooFar(t *testing.T) {
	s := testState("120", "154.4", 5*365*24*time.Hour)
	_, err := s.BaseOutForYieldIn(units("1"))
	require.ErrorIs(t, err, dex.ErrMaturityTooFar)
}

func testReserveBounds(t *testing.T) {
	s := testState("120", "154.4", sixMonths)

	_, err := s.YieldInForBaseOut(units("120.000000000000000001"))
	require.ErrorIs(t, err, dex.ErrInsufficientReserves)

	// the whole base reserve has a finite price
	drain, err := s.YieldInForBaseOut(units("120"))
	require.NoError(t, err)
	assert.Equal(t, 1, drain.Sign())

	_, err = s.BaseInForYieldOut(units("200"))
	require.ErrorIs(t, err, dex.ErrInsufficientReserves)

	// the curve reaches zero base before the yield side is exhausted
	_, err = s.BaseOutForYieldIn(units("1000"))
	require.ErrorIs(t, err, dex.ErrInsufficientReserves)

	out, err := s.BaseOutForYieldIn(units("100"))
	require.NoError(t, err)
	assert.True(t, out.Cmp(s.Base) < 0)
}

func testInvalidAmount(t *testing.T) {
	s := testState("120", "154.4", sixMonths)
	_, err := s.YieldOutForBaseIn(nil)
	require.ErrorIs(t, err, dex.ErrInvalidAmount)
	_, err = s.BaseInForYieldOut(big.NewInt(0))
	require.ErrorIs(t, err, dex.ErrInvalidAmount)
}

func TestParams(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, "1.0526315789", p.G2.StringFixed(10))

	p.Stretch = 0
	require.Error(t, p.Validate())

	zero := NewParams(decimal.Zero, DefaultStretch)
	require.Error(t, zero.Validate())
}

func BenchmarkYieldInForBaseOut(b *testing.B) {
	s := testState("86.86", "154.4", sixMonths)
	amount := units("1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.YieldInForBaseOut(amount)
	}
}
