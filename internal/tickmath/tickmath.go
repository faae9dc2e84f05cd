package tickmath

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// MinTick is the lowest tick the pool grid accepts.
	MinTick int32 = -887272
	// MaxTick is the highest tick the pool grid accepts.
	MaxTick int32 = 887272
)

var (
	ErrOutOfRange = errors.New("out of range")
	ErrOverflow   = errors.New("fixed-point overflow")
)

var (
	// MinSqrtRatio is SqrtRatioAtTick(MinTick).
	MinSqrtRatio = uint256.NewInt(4295128739)
	// MaxSqrtRatio is SqrtRatioAtTick(MaxTick).
	MaxSqrtRatio = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	// Q96 is 1.0 in Q64.96.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	q128       = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	maxUint256 = new(uint256.Int).SetAllOne()
	lowMask32  = uint256.NewInt(0xffffffff)
	one        = uint256.NewInt(1)

	// ratioSteps[i] is 2^128 / sqrt(1.0001^(2^i)).
	ratioSteps = [20]*uint256.Int{
		uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96, matching the pool's own
// tick grid bit for bit.
func SqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: tick %d", ErrOutOfRange, tick)
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-int64(tick))
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(ratioSteps[0])
	} else {
		ratio.Set(q128)
	}
	for i := 1; i < len(ratioSteps); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, ratioSteps[i])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so the result is never below the true ratio.
	rem := new(uint256.Int).And(ratio, lowMask32)
	ratio.Rsh(ratio, 32)
	if !rem.IsZero() {
		ratio.Add(ratio, one)
	}
	return ratio, nil
}

// MustSqrtRatioAtTick panics on out-of-range ticks. Intended for constants and tests.
func MustSqrtRatioAtTick(tick int32) *uint256.Int {
	v, err := SqrtRatioAtTick(tick)
	if err != nil {
		panic(err)
	}
	return v
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is <= sqrtPriceX96.
func TickAtSqrtRatio(sqrtPriceX96 *uint256.Int) (int32, error) {
	if sqrtPriceX96 == nil {
		return 0, fmt.Errorf("%w: nil sqrt price", ErrOutOfRange)
	}
	// MaxSqrtRatio itself is accepted so that MaxTick round-trips.
	if sqrtPriceX96.Lt(MinSqrtRatio) || sqrtPriceX96.Gt(MaxSqrtRatio) {
		return 0, fmt.Errorf("%w: sqrt price %s", ErrOutOfRange, sqrtPriceX96.Dec())
	}

	low, high := MinTick, MaxTick
	tick := MinTick
	for low <= high {
		mid := int32((int64(low) + int64(high)) >> 1)
		ratio, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if ratio.Cmp(sqrtPriceX96) <= 0 {
			tick = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return tick, nil
}

// PriceX96 converts a sqrt price to a linear Q96 price (token1 per token0).
func PriceX96(sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	price, overflow := new(uint256.Int).MulDivOverflow(sqrtPriceX96, sqrtPriceX96, Q96)
	if overflow {
		return nil, fmt.Errorf("%w: price of sqrt %s", ErrOverflow, sqrtPriceX96.Dec())
	}
	return price, nil
}

// PriceX96AtTick is PriceX96(SqrtRatioAtTick(tick)).
func PriceX96AtTick(tick int32) (*uint256.Int, error) {
	sqrtPrice, err := SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	return PriceX96(sqrtPrice)
}

// SqrtPriceX96FromPrice encodes a linear price as sqrt(price) * 2^96.
func SqrtPriceX96FromPrice(price *big.Float) (*uint256.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrOutOfRange)
	}
	f := new(big.Float).SetPrec(256).Set(price)
	f.Sqrt(f)
	f.Mul(f, new(big.Float).SetInt(Q96.ToBig()))

	asInt, _ := f.Int(nil)
	out, overflow := uint256.FromBig(asInt)
	if overflow {
		return nil, fmt.Errorf("%w: price %s", ErrOverflow, price.Text('g', 18))
	}
	if out.Lt(MinSqrtRatio) || !out.Lt(MaxSqrtRatio) {
		return nil, fmt.Errorf("%w: price %s", ErrOutOfRange, price.Text('g', 18))
	}
	return out, nil
}

// PriceFromSqrtPriceX96 decodes a sqrt price into a linear price.
func PriceFromSqrtPriceX96(sqrtPriceX96 *uint256.Int) *big.Float {
	f := new(big.Float).SetPrec(256).SetInt(sqrtPriceX96.ToBig())
	f.Quo(f, new(big.Float).SetInt(Q96.ToBig()))
	return f.Mul(f, f)
}

// FloorToSpacing rounds a tick down to a multiple of spacing.
func FloorToSpacing(tick, spacing int32) int32 {
	if spacing <= 1 {
		return tick
	}
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

// CeilToSpacing rounds a tick up to a multiple of spacing.
func CeilToSpacing(tick, spacing int32) int32 {
	floor := FloorToSpacing(tick, spacing)
	if floor == tick {
		return tick
	}
	return floor + spacing
}

// NearestToSpacing rounds to the closest multiple of spacing, halves rounding up.
func NearestToSpacing(tick, spacing int32) int32 {
	floor := FloorToSpacing(tick, spacing)
	if 2*(tick-floor) >= spacing {
		return floor + spacing
	}
	return floor
}
