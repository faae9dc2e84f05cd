package ratio

import (
	"github.com/holiman/uint256"

	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// segment values unit liquidity over [a, b] at sqrt price c, divided by c and
// scaled by Q96. v0 is the token0 part, v1 the token1 part.
//
//	v0 = Q96*c/max(a,c) - Q96*c/b   when c < b
//	v1 = Q96*min(b,c)/c - Q96*a/c   when c > a
func segment(a, b, c *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	v0, v1 := new(uint256.Int), new(uint256.Int)

	if c.Lt(b) {
		lo := a
		if c.Gt(a) {
			lo = c
		}
		hi, err := tickmath.MulDiv(tickmath.Q96, c, lo)
		if err != nil {
			return nil, nil, err
		}
		low, err := tickmath.MulDiv(tickmath.Q96, c, b)
		if err != nil {
			return nil, nil, err
		}
		v0.Sub(hi, low)
	}

	if c.Gt(a) {
		top := b
		if c.Lt(b) {
			top = c
		}
		hi, err := tickmath.MulDiv(tickmath.Q96, top, c)
		if err != nil {
			return nil, nil, err
		}
		low, err := tickmath.MulDiv(tickmath.Q96, a, c)
		if err != nil {
			return nil, nil, err
		}
		v1.Sub(hi, low)
	}

	return v0, v1, nil
}

func segmentTicks(lower, upper int32, c *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if lower >= upper {
		return new(uint256.Int), new(uint256.Int), nil
	}
	a, err := tickmath.SqrtRatioAtTick(lower)
	if err != nil {
		return nil, nil, err
	}
	b, err := tickmath.SqrtRatioAtTick(upper)
	if err != nil {
		return nil, nil, err
	}
	return segment(a, b, c)
}

// continuousSplit apportions one liquidity curve over the domain. With
// A0 <= A <= C <= B <= B0 it reduces to
//
//	token0 = Q96*C/B - Q96*C/B0
//	token1 = Q96*A/C - Q96*A0/C
//	total  = 2*Q96 - Q96*A0/C - Q96*C/B0
func continuousSplit(domain, region valuation.Range, price *uint256.Int) (split, error) {
	s := newSplit()

	below0, below1, err := segmentTicks(domain.Lower, region.Lower, price)
	if err != nil {
		return split{}, err
	}
	inside0, inside1, err := segmentTicks(region.Lower, region.Upper, price)
	if err != nil {
		return split{}, err
	}
	above0, above1, err := segmentTicks(region.Upper, domain.Upper, price)
	if err != nil {
		return split{}, err
	}

	s.token0.Add(below0, above0)
	s.token1.Add(below1, above1)
	s.liquidity.Add(inside0, inside1)
	s.liquidity0.Set(inside0)
	s.liquidity1.Set(inside1)
	return s, nil
}

// discreteSplit values the liquidity region as two non-overlapping unit
// positions and the rest of the domain as unit cells of the same width, each
// rounded on its own.
func discreteSplit(domain, region valuation.Range, price *uint256.Int, rounding EdgeRounding) (split, error) {
	s := newSplit()

	unit := region.Width() / 2
	if unit < 1 {
		unit = region.Width()
	}
	mid := region.Lower + unit

	for _, cell := range []valuation.Range{{Lower: region.Lower, Upper: mid}, {Lower: mid, Upper: region.Upper}} {
		v0, v1, err := segmentTicks(cell.Lower, cell.Upper, price)
		if err != nil {
			return split{}, err
		}
		s.liquidity.Add(s.liquidity, v0)
		s.liquidity.Add(s.liquidity, v1)
		s.liquidity0.Add(s.liquidity0, v0)
		s.liquidity1.Add(s.liquidity1, v1)
	}

	for _, cell := range reserveCells(domain, region, unit, rounding) {
		v0, v1, err := segmentTicks(cell.Lower, cell.Upper, price)
		if err != nil {
			return split{}, err
		}
		s.token0.Add(s.token0, v0)
		s.token1.Add(s.token1, v1)
	}
	return s, nil
}

// reserveCells tiles the domain outside region with unit-wide cells, walking
// outward from the region. A trailing partial cell is kept at full width,
// dropped, or kept only when at least half a unit, per rounding.
func reserveCells(domain, region valuation.Range, unit int32, rounding EdgeRounding) []valuation.Range {
	var cells []valuation.Range

	keep := func(partial int32) bool {
		switch rounding {
		case Outward:
			return partial > 0
		case Inward:
			return false
		default:
			return 2*partial >= unit
		}
	}

	for upper := region.Lower; upper > domain.Lower; upper -= unit {
		lower := upper - unit
		if lower < domain.Lower {
			if !keep(upper - domain.Lower) {
				break
			}
			lower = max(lower, tickmath.MinTick)
		}
		cells = append(cells, valuation.Range{Lower: lower, Upper: upper})
	}

	for lower := region.Upper; lower < domain.Upper; lower += unit {
		upper := lower + unit
		if upper > domain.Upper {
			if !keep(domain.Upper - lower) {
				break
			}
			upper = min(upper, tickmath.MaxTick)
		}
		cells = append(cells, valuation.Range{Lower: lower, Upper: upper})
	}
	return cells
}
