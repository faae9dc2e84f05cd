package impact

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/sim"
	"liquidityKeeper/internal/valuation"
)

var ether = uint256.NewInt(1_000_000_000_000_000_000)

func float(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func TestAmountToShiftNoPositionOnPath(t *testing.T) {
	positions := []Position{
		{Range: valuation.Range{Lower: -887220, Upper: -100}, Liquidity: ether},
		{Range: valuation.Range{Lower: 100, Upper: 887220}, Liquidity: ether},
	}
	shift, err := AmountToShift(0, 50, positions, 500)
	require.NoError(t, err)
	assert.True(t, shift.Amount0.IsZero())
	assert.True(t, shift.Amount1.IsZero())
	assert.False(t, shift.ZeroForOne)
}

func TestAmountToShiftDirectionAndFee(t *testing.T) {
	positions := []Position{{Range: valuation.Range{Lower: -600, Upper: 600}, Liquidity: ether}}

	up, err := AmountToShift(0, 100, positions, 0)
	require.NoError(t, err)
	assert.False(t, up.ZeroForOne)
	assert.Equal(t, up.Amount1, up.In())
	assert.Equal(t, up.Amount0, up.Out())

	down, err := AmountToShift(0, -100, positions, 0)
	require.NoError(t, err)
	assert.True(t, down.ZeroForOne)
	assert.Equal(t, down.Amount0, down.In())

	withFee, err := AmountToShift(0, 100, positions, 3000)
	require.NoError(t, err)
	want := new(uint256.Int).Mul(up.Amount1, uint256.NewInt(1_003_000))
	want.Div(want, uint256.NewInt(1_000_000))
	assert.Equal(t, want, withFee.Amount1)

	same, err := AmountToShift(40, 40, positions, 500)
	require.NoError(t, err)
	assert.True(t, same.Amount0.IsZero())
	assert.True(t, same.Amount1.IsZero())
}

func TestAmountToShiftAdditive(t *testing.T) {
	a := Position{Range: valuation.Range{Lower: -200, Upper: 200}, Liquidity: ether}
	b := Position{Range: valuation.Range{Lower: 0, Upper: 400}, Liquidity: new(uint256.Int).Mul(ether, uint256.NewInt(3))}

	both, err := AmountToShift(-50, 150, []Position{a, b}, 0)
	require.NoError(t, err)
	onlyA, err := AmountToShift(-50, 150, []Position{a}, 0)
	require.NoError(t, err)
	onlyB, err := AmountToShift(-50, 150, []Position{b}, 0)
	require.NoError(t, err)

	assert.Equal(t, new(uint256.Int).Add(onlyA.Amount0, onlyB.Amount0), both.Amount0)
	assert.Equal(t, new(uint256.Int).Add(onlyA.Amount1, onlyB.Amount1), both.Amount1)
}

func TestAmountToShiftMatchesPoolSwap(t *testing.T) {
	lower, upper, err := ratio.Layout(0, 100, 10)
	require.NoError(t, err)
	tvl := new(uint256.Int).Mul(ether, uint256.NewInt(10))
	positions, err := PositionsFromCapital(0, lower, upper, tvl, UtilityLiquidity)
	require.NoError(t, err)

	pool, err := sim.NewPoolAtTick(0, 0)
	require.NoError(t, err)
	for _, pos := range positions {
		if pos.Liquidity.IsZero() {
			continue
		}
		_, _, err := pool.Mint(pos.Range, pos.Liquidity)
		require.NoError(t, err)
	}

	shift, err := AmountToShift(0, 120, positions, 0)
	require.NoError(t, err)
	zeroForOne, in, out, err := pool.MoveToTick(120)
	require.NoError(t, err)

	assert.Equal(t, shift.ZeroForOne, zeroForOne)
	assert.InEpsilon(t, float(shift.In()), float(in), 1e-9)
	assert.InEpsilon(t, float(shift.Out()), float(out), 1e-9)
}

func TestPositionsFromCapital(t *testing.T) {
	lower, upper, err := ratio.Layout(0, 100, 10)
	require.NoError(t, err)
	tvl := new(uint256.Int).Mul(ether, uint256.NewInt(4))

	// tick 0 sits at the centre of the lower position: all capital goes there
	positions, err := PositionsFromCapital(0, lower, upper, tvl, nil)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.False(t, positions[0].Liquidity.IsZero())
	assert.True(t, positions[1].Liquidity.IsZero())

	positions, err = PositionsFromCapital(25, lower, upper, tvl, UtilityLiquidity)
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.False(t, positions[0].Liquidity.IsZero())
	assert.False(t, positions[1].Liquidity.IsZero())
	assert.Equal(t, UtilityRange, positions[2].Range)
}
