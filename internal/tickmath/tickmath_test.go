package tickmath

import (
	"errors"
	"math/big"
	"testing"

	"github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTicks = []int32{
	MinTick, MinTick + 1, -500000, -276325, -100000, -50000, -887220,
	-60, -1, 0, 1, 60, 100, 15000, 30000, 50000, 100000, 276324,
	500000, 887220, MaxTick - 1, MaxTick,
}

func TestSqrtRatioAtTickBounds(t *testing.T) {
	t.Run("MinTick", func(t *testing.T) {
		got, err := SqrtRatioAtTick(MinTick)
		require.NoError(t, err)
		assert.True(t, got.Eq(MinSqrtRatio), "got %s", got.Dec())
	})

	t.Run("MaxTick", func(t *testing.T) {
		got, err := SqrtRatioAtTick(MaxTick)
		require.NoError(t, err)
		assert.True(t, got.Eq(MaxSqrtRatio), "got %s", got.Dec())
	})

	t.Run("ZeroIsQ96", func(t *testing.T) {
		got, err := SqrtRatioAtTick(0)
		require.NoError(t, err)
		assert.True(t, got.Eq(Q96))
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := SqrtRatioAtTick(MinTick - 1)
		assert.True(t, errors.Is(err, ErrOutOfRange))
		_, err = SqrtRatioAtTick(MaxTick + 1)
		assert.True(t, errors.Is(err, ErrOutOfRange))
	})
}

func TestSqrtRatioAtTickMatchesReference(t *testing.T) {
	for _, tick := range sampleTicks {
		want, err := utils.GetSqrtRatioAtTick(int(tick))
		require.NoError(t, err)

		got, err := SqrtRatioAtTick(tick)
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.Dec(), "tick %d", tick)
	}
}

func TestSqrtRatioAtTickMonotonic(t *testing.T) {
	prev, err := SqrtRatioAtTick(-2000)
	require.NoError(t, err)
	for tick := int32(-1999); tick <= 2000; tick++ {
		cur, err := SqrtRatioAtTick(tick)
		require.NoError(t, err)
		require.True(t, cur.Gt(prev), "tick %d not increasing", tick)
		prev = cur
	}
}

func TestTickAtSqrtRatioRoundTrip(t *testing.T) {
	for _, tick := range sampleTicks {
		sqrt, err := SqrtRatioAtTick(tick)
		require.NoError(t, err)

		got, err := TickAtSqrtRatio(sqrt)
		require.NoError(t, err)
		assert.Equal(t, tick, got)
	}

	for tick := int32(-300); tick <= 300; tick += 7 {
		got, err := TickAtSqrtRatio(MustSqrtRatioAtTick(tick))
		require.NoError(t, err)
		assert.Equal(t, tick, got)
	}
}

func TestTickAtSqrtRatioFloors(t *testing.T) {
	for _, tick := range []int32{-50001, -1, 0, 1, 15000, 200000} {
		lower := MustSqrtRatioAtTick(tick)
		upper := MustSqrtRatioAtTick(tick + 1)

		between := new(uint256.Int).Add(lower, upper)
		between.Rsh(between, 1)
		got, err := TickAtSqrtRatio(between)
		require.NoError(t, err)
		assert.Equal(t, tick, got, "midpoint above tick %d", tick)

		justBelow := new(uint256.Int).Sub(upper, uint256.NewInt(1))
		got, err = TickAtSqrtRatio(justBelow)
		require.NoError(t, err)
		assert.Equal(t, tick, got, "one below tick %d", tick+1)

		want, err := utils.GetTickAtSqrtRatio(between.ToBig())
		require.NoError(t, err)
		assert.Equal(t, want, int(got))
	}
}

func TestTickAtSqrtRatioOutOfRange(t *testing.T) {
	below := new(uint256.Int).Sub(MinSqrtRatio, uint256.NewInt(1))
	_, err := TickAtSqrtRatio(below)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	above := new(uint256.Int).Add(MaxSqrtRatio, uint256.NewInt(1))
	_, err = TickAtSqrtRatio(above)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = TickAtSqrtRatio(nil)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestPriceX96(t *testing.T) {
	price, err := PriceX96(Q96)
	require.NoError(t, err)
	assert.True(t, price.Eq(Q96))

	_, err = PriceX96(MaxSqrtRatio)
	require.NoError(t, err)
}

func TestSqrtPriceX96FromPrice(t *testing.T) {
	sqrt, err := SqrtPriceX96FromPrice(big.NewFloat(1))
	require.NoError(t, err)
	assert.True(t, sqrt.Eq(Q96))

	// 1.0001^100 sits on tick 100 within rounding of the encoder.
	p := new(big.Float).SetPrec(256).SetFloat64(1.0001)
	acc := new(big.Float).SetPrec(256).SetFloat64(1)
	for i := 0; i < 100; i++ {
		acc.Mul(acc, p)
	}
	sqrt, err = SqrtPriceX96FromPrice(acc)
	require.NoError(t, err)
	tick, err := TickAtSqrtRatio(sqrt)
	require.NoError(t, err)
	assert.InDelta(t, 100, tick, 1)

	back, _ := PriceFromSqrtPriceX96(Q96).Float64()
	assert.InDelta(t, 1.0, back, 1e-12)

	_, err = SqrtPriceX96FromPrice(big.NewFloat(0))
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestSpacingRounding(t *testing.T) {
	tests := []struct {
		tick, spacing       int32
		floor, ceil, nearst int32
	}{
		{tick: 15, spacing: 10, floor: 10, ceil: 20, nearst: 20},
		{tick: 14, spacing: 10, floor: 10, ceil: 20, nearst: 10},
		{tick: 20, spacing: 10, floor: 20, ceil: 20, nearst: 20},
		{tick: -15, spacing: 10, floor: -20, ceil: -10, nearst: -10},
		{tick: -16, spacing: 10, floor: -20, ceil: -10, nearst: -20},
		{tick: -20, spacing: 10, floor: -20, ceil: -20, nearst: -20},
		{tick: 7, spacing: 1, floor: 7, ceil: 7, nearst: 7},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.floor, FloorToSpacing(tc.tick, tc.spacing), "floor %d/%d", tc.tick, tc.spacing)
		assert.Equal(t, tc.ceil, CeilToSpacing(tc.tick, tc.spacing), "ceil %d/%d", tc.tick, tc.spacing)
		assert.Equal(t, tc.nearst, NearestToSpacing(tc.tick, tc.spacing), "nearest %d/%d", tc.tick, tc.spacing)
	}
}
