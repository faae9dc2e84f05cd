package ratio

import (
	"fmt"

	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// Layout builds the lower and upper positions around tick. Both are width
// ticks wide and overlap by half; the overlap contains tick.
func Layout(tick, width, spacing int32) (valuation.Range, valuation.Range, error) {
	if spacing < 1 {
		return valuation.Range{}, valuation.Range{}, fmt.Errorf("%w: tick spacing %d", ErrInvalidParams, spacing)
	}
	if width <= 0 || width%(2*spacing) != 0 {
		return valuation.Range{}, valuation.Range{}, fmt.Errorf("%w: width %d must be a positive multiple of %d", ErrInvalidParams, width, 2*spacing)
	}

	semi := width / 2
	lowerStart := int64(tickmath.FloorToSpacing(tick, semi)) - int64(semi)
	lower := valuation.Range{Lower: int32(lowerStart), Upper: int32(lowerStart + int64(width))}
	upper := valuation.Range{Lower: lower.Lower + semi, Upper: lower.Upper + semi}

	if err := lower.Validate(); err != nil {
		return valuation.Range{}, valuation.Range{}, err
	}
	if err := upper.Validate(); err != nil {
		return valuation.Range{}, valuation.Range{}, err
	}
	return lower, upper, nil
}

// LiquiditySplit returns the upper position's target share of liquidity in
// units of D: 0 at the centre of the lower position, D at its upper bound.
// The result is signed and unbounded so callers can detect a drifted layout.
func LiquiditySplit(tick int32, lower valuation.Range) int64 {
	mid := lower.Mid()
	half := int64(lower.Upper) - int64(mid)
	if half <= 0 {
		return 0
	}
	return (int64(tick) - int64(mid)) * D / half
}
