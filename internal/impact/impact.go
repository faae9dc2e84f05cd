package impact

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

const pipsDenominator = 1_000_000

var (
	// UtilityRange is the full-range position kept in the pool alongside the
	// strategy's own positions.
	UtilityRange = valuation.Range{Lower: -887220, Upper: 887220}
	// UtilityLiquidity is the liquidity of that position on the reference pool.
	UtilityLiquidity = uint256.MustFromDecimal("143542847431368536505")

	referenceLiquidity = uint256.NewInt(1_000_000_000_000_000_000)
)

// Position is liquidity resting over a tick range.
type Position struct {
	Range     valuation.Range `json:"range"`
	Liquidity *uint256.Int    `json:"liquidity"`
}

// Shift is the token flow that moves the pool price between two ticks.
// With ZeroForOne the price falls: Amount0 goes in and Amount1 comes out.
type Shift struct {
	Amount0    *uint256.Int `json:"amount0"`
	Amount1    *uint256.Int `json:"amount1"`
	ZeroForOne bool         `json:"zero_for_one"`
}

// In returns the amount the swapper pays.
func (s Shift) In() *uint256.Int {
	if s.ZeroForOne {
		return s.Amount0
	}
	return s.Amount1
}

// Out returns the amount the swapper receives.
func (s Shift) Out() *uint256.Int {
	if s.ZeroForOne {
		return s.Amount1
	}
	return s.Amount0
}

// AmountToShift sums, over positions, how much each token held changes
// when the price moves from currentTick to targetTick, then marks both
// totals up by the pool fee.
func AmountToShift(currentTick, targetTick int32, positions []Position, feePips uint32) (Shift, error) {
	if feePips >= pipsDenominator {
		return Shift{}, fmt.Errorf("fee %d pips out of range", feePips)
	}
	shift := Shift{
		Amount0:    new(uint256.Int),
		Amount1:    new(uint256.Int),
		ZeroForOne: targetTick < currentTick,
	}
	for i, pos := range positions {
		d0, d1, err := positionDelta(currentTick, targetTick, pos)
		if err != nil {
			return Shift{}, fmt.Errorf("position %d: %w", i, err)
		}
		shift.Amount0.Add(shift.Amount0, d0)
		shift.Amount1.Add(shift.Amount1, d1)
	}

	markup := uint256.NewInt(pipsDenominator + uint64(feePips))
	pips := uint256.NewInt(pipsDenominator)
	var err error
	if shift.Amount0, err = tickmath.MulDiv(shift.Amount0, markup, pips); err != nil {
		return Shift{}, err
	}
	if shift.Amount1, err = tickmath.MulDiv(shift.Amount1, markup, pips); err != nil {
		return Shift{}, err
	}
	return shift, nil
}

func positionDelta(currentTick, targetTick int32, pos Position) (*uint256.Int, *uint256.Int, error) {
	if err := pos.Range.Validate(); err != nil {
		return nil, nil, err
	}
	if pos.Liquidity == nil || pos.Liquidity.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	from, err := tickmath.SqrtRatioAtTick(pos.Range.Clamp(currentTick))
	if err != nil {
		return nil, nil, err
	}
	to, err := tickmath.SqrtRatioAtTick(pos.Range.Clamp(targetTick))
	if err != nil {
		return nil, nil, err
	}
	a0, a1, err := valuation.AmountsForLiquidity(from, pos.Range, pos.Liquidity)
	if err != nil {
		return nil, nil, err
	}
	b0, b1, err := valuation.AmountsForLiquidity(to, pos.Range, pos.Liquidity)
	if err != nil {
		return nil, nil, err
	}
	return tickmath.AbsDiff(a0, b0), tickmath.AbsDiff(a1, b1), nil
}

// PositionsFromCapital sizes the two strategy positions holding tvl (in
// token1) at tick. Capital is split between them by the liquidity split
// target, and each part is converted at the range's own token mix. A
// non-zero utilityLiquidity appends the full-range utility position.
func PositionsFromCapital(tick int32, lower, upper valuation.Range, tvl, utilityLiquidity *uint256.Int) ([]Position, error) {
	sqrtP, err := tickmath.SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	priceX96, err := tickmath.PriceX96(sqrtP)
	if err != nil {
		return nil, err
	}

	upperShare := ratio.LiquiditySplit(tick, lower)
	upperShare = max(0, min(upperShare, ratio.D))
	upperValue, err := tickmath.MulDiv(tvl, uint256.NewInt(uint64(upperShare)), ratio.Denominator)
	if err != nil {
		return nil, err
	}
	lowerValue := new(uint256.Int).Sub(tvl, upperValue)

	out := make([]Position, 0, 3)
	for _, part := range []struct {
		r     valuation.Range
		value *uint256.Int
	}{{lower, lowerValue}, {upper, upperValue}} {
		l, err := liquidityForValue(sqrtP, priceX96, part.r, part.value)
		if err != nil {
			return nil, err
		}
		out = append(out, Position{Range: part.r, Liquidity: l})
	}
	if utilityLiquidity != nil && !utilityLiquidity.IsZero() {
		out = append(out, Position{Range: UtilityRange, Liquidity: new(uint256.Int).Set(utilityLiquidity)})
	}
	return out, nil
}

func liquidityForValue(sqrtP, priceX96 *uint256.Int, r valuation.Range, value *uint256.Int) (*uint256.Int, error) {
	if value.IsZero() {
		return new(uint256.Int), nil
	}
	a0, a1, err := valuation.AmountsForLiquidity(sqrtP, r, referenceLiquidity)
	if err != nil {
		return nil, err
	}
	unit, err := valuation.Value(a0, a1, priceX96)
	if err != nil {
		return nil, err
	}
	if unit.IsZero() {
		return nil, fmt.Errorf("%w: range [%d, %d] holds no value", valuation.ErrInvalidRange, r.Lower, r.Upper)
	}
	return tickmath.MulDiv(value, referenceLiquidity, unit)
}
