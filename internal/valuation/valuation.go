package valuation

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/tickmath"
)

var ErrInvalidRange = errors.New("invalid range")

// Asset selects one side of the pair.
type Asset uint8

const (
	Asset0 Asset = iota
	Asset1
)

func (a Asset) String() string {
	if a == Asset0 {
		return "token0"
	}
	return "token1"
}

// Range is the tick interval of a concentrated-liquidity position.
type Range struct {
	Lower int32 `json:"tick_lower" yaml:"tick_lower"`
	Upper int32 `json:"tick_upper" yaml:"tick_upper"`
}

// Validate rejects empty, inverted and out-of-bounds ranges.
func (r Range) Validate() error {
	if r.Lower >= r.Upper {
		return fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidRange, r.Lower, r.Upper)
	}
	if r.Lower < tickmath.MinTick || r.Upper > tickmath.MaxTick {
		return fmt.Errorf("%w: [%d, %d]", tickmath.ErrOutOfRange, r.Lower, r.Upper)
	}
	return nil
}

func (r Range) Width() int32 { return r.Upper - r.Lower }

// Mid is the centre tick, rounded toward negative infinity.
func (r Range) Mid() int32 {
	return int32((int64(r.Lower) + int64(r.Upper)) >> 1)
}

// Contains reports whether tick lies in [Lower, Upper].
func (r Range) Contains(tick int32) bool {
	return tick >= r.Lower && tick <= r.Upper
}

// Clamp pins tick into the range.
func (r Range) Clamp(tick int32) int32 {
	if tick < r.Lower {
		return r.Lower
	}
	if tick > r.Upper {
		return r.Upper
	}
	return tick
}

// SqrtRatios returns the sqrt prices at both bounds.
func (r Range) SqrtRatios() (*uint256.Int, *uint256.Int, error) {
	if err := r.Validate(); err != nil {
		return nil, nil, err
	}
	a, err := tickmath.SqrtRatioAtTick(r.Lower)
	if err != nil {
		return nil, nil, err
	}
	b, err := tickmath.SqrtRatioAtTick(r.Upper)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func sortRatios(a, b *uint256.Int) (*uint256.Int, *uint256.Int) {
	if a.Gt(b) {
		return b, a
	}
	return a, b
}

// Amount0ForLiquidity returns L * (sqrtB - sqrtA) / (sqrtA * sqrtB) in Q96.
func Amount0ForLiquidity(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortRatios(sqrtA, sqrtB)
	if sqrtA.IsZero() {
		return nil, fmt.Errorf("%w: zero sqrt price", tickmath.ErrOutOfRange)
	}
	if liquidity.BitLen() > 160 {
		return nil, fmt.Errorf("%w: liquidity %s", tickmath.ErrOverflow, liquidity.Dec())
	}
	numerator := new(uint256.Int).Lsh(liquidity, 96)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	scaled, err := tickmath.MulDiv(numerator, diff, sqrtB)
	if err != nil {
		return nil, err
	}
	return scaled.Div(scaled, sqrtA), nil
}

// Amount1ForLiquidity returns L * (sqrtB - sqrtA) / Q96.
func Amount1ForLiquidity(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortRatios(sqrtA, sqrtB)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	return tickmath.MulDiv(liquidity, diff, tickmath.Q96)
}

// AmountsForSqrtLiquidity values liquidity between two sqrt-price bounds at sqrtPriceX96.
func AmountsForSqrtLiquidity(sqrtPriceX96, sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	sqrtA, sqrtB = sortRatios(sqrtA, sqrtB)
	amount0, amount1 := new(uint256.Int), new(uint256.Int)
	if liquidity.IsZero() {
		return amount0, amount1, nil
	}

	var err error
	switch {
	case !sqrtPriceX96.Gt(sqrtA):
		amount0, err = Amount0ForLiquidity(sqrtA, sqrtB, liquidity)
	case sqrtPriceX96.Lt(sqrtB):
		amount0, err = Amount0ForLiquidity(sqrtPriceX96, sqrtB, liquidity)
		if err == nil {
			amount1, err = Amount1ForLiquidity(sqrtA, sqrtPriceX96, liquidity)
		}
	default:
		amount1, err = Amount1ForLiquidity(sqrtA, sqrtB, liquidity)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// AmountsForLiquidity returns the token amounts held by liquidity over r at sqrtPriceX96.
// Below the range everything is token0, above it everything is token1.
func AmountsForLiquidity(sqrtPriceX96 *uint256.Int, r Range, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	sqrtA, sqrtB, err := r.SqrtRatios()
	if err != nil {
		return nil, nil, err
	}
	return AmountsForSqrtLiquidity(sqrtPriceX96, sqrtA, sqrtB, liquidity)
}

// LiquidityForAmount0 returns amount0 * (sqrtA * sqrtB / Q96) / (sqrtB - sqrtA).
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortRatios(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return nil, fmt.Errorf("%w: zero-width sqrt interval", ErrInvalidRange)
	}
	intermediate, err := tickmath.MulDiv(sqrtA, sqrtB, tickmath.Q96)
	if err != nil {
		return nil, err
	}
	return tickmath.MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmount1 returns amount1 * Q96 / (sqrtB - sqrtA).
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortRatios(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return nil, fmt.Errorf("%w: zero-width sqrt interval", ErrInvalidRange)
	}
	return tickmath.MulDiv(amount1, tickmath.Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmount sizes a position over r from a single asset amount at sqrtPriceX96.
// An asset the range does not hold at that price yields zero liquidity.
func LiquidityForAmount(sqrtPriceX96 *uint256.Int, r Range, amount *uint256.Int, asset Asset) (*uint256.Int, error) {
	sqrtA, sqrtB, err := r.SqrtRatios()
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return new(uint256.Int), nil
	}

	switch asset {
	case Asset0:
		if !sqrtPriceX96.Lt(sqrtB) {
			return new(uint256.Int), nil
		}
		lower := sqrtA
		if sqrtPriceX96.Gt(sqrtA) {
			lower = sqrtPriceX96
		}
		return LiquidityForAmount0(lower, sqrtB, amount)
	case Asset1:
		if !sqrtPriceX96.Gt(sqrtA) {
			return new(uint256.Int), nil
		}
		upper := sqrtB
		if sqrtPriceX96.Lt(sqrtB) {
			upper = sqrtPriceX96
		}
		return LiquidityForAmount1(sqrtA, upper, amount)
	default:
		return nil, fmt.Errorf("unknown asset %d", asset)
	}
}

// LiquidityForAmounts returns the largest liquidity both amounts can fund.
func LiquidityForAmounts(sqrtPriceX96 *uint256.Int, r Range, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB, err := r.SqrtRatios()
	if err != nil {
		return nil, err
	}

	switch {
	case !sqrtPriceX96.Gt(sqrtA):
		return LiquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtPriceX96.Lt(sqrtB):
		l0, err := LiquidityForAmount0(sqrtPriceX96, sqrtB, amount0)
		if err != nil {
			return nil, err
		}
		l1, err := LiquidityForAmount1(sqrtA, sqrtPriceX96, amount1)
		if err != nil {
			return nil, err
		}
		if l0.Lt(l1) {
			return l0, nil
		}
		return l1, nil
	default:
		return LiquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

// Value returns the capital of (amount0, amount1) in token1 units at priceX96.
func Value(amount0, amount1, priceX96 *uint256.Int) (*uint256.Int, error) {
	converted, err := tickmath.MulDiv(amount0, priceX96, tickmath.Q96)
	if err != nil {
		return nil, err
	}
	return tickmath.Add(converted, amount1)
}

// ToToken0 converts a token1-denominated value into token0 at sqrtPriceX96.
// It divides by the square root twice: PriceX96 rounds to zero far below
// tick zero while the square root stays positive over the whole tick domain.
func ToToken0(value1, sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	half, err := tickmath.MulDiv(value1, tickmath.Q96, sqrtPriceX96)
	if err != nil {
		return nil, err
	}
	return tickmath.MulDiv(half, tickmath.Q96, sqrtPriceX96)
}

// ToToken1 converts a token0 amount into token1 at sqrtPriceX96.
func ToToken1(amount0, sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	half, err := tickmath.MulDiv(amount0, sqrtPriceX96, tickmath.Q96)
	if err != nil {
		return nil, err
	}
	return tickmath.MulDiv(half, sqrtPriceX96, tickmath.Q96)
}
