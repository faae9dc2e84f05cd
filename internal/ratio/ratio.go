package ratio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// D is the fixed-point unit every ratio is expressed in.
const D = 1_000_000_000

var (
	Denominator = uint256.NewInt(D)

	ErrInvalidParams = errors.New("invalid ratio params")
)

// Mode selects how the domain's capital is apportioned.
type Mode uint8

const (
	// Continuous treats the whole domain as one liquidity curve.
	Continuous Mode = iota
	// Discrete treats the domain as independently valued unit positions.
	Discrete
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Discrete:
		return "discrete"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// ParseMode accepts "continuous" or "discrete".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous":
		return Continuous, nil
	case "discrete":
		return Discrete, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, s)
	}
}

// EdgeRounding decides how widened bounds and partial unit cells snap to the grid.
type EdgeRounding uint8

const (
	// Outward widens to the enclosing spacing multiple and keeps partial cells.
	Outward EdgeRounding = iota
	// Inward narrows to the enclosed spacing multiple and drops partial cells.
	Inward
	// Nearest rounds to the closest multiple and keeps partial cells of at least half a unit.
	Nearest
)

func (e EdgeRounding) String() string {
	switch e {
	case Outward:
		return "outward"
	case Inward:
		return "inward"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("rounding(%d)", e)
	}
}

// ParseEdgeRounding accepts "outward", "inward" or "nearest".
func ParseEdgeRounding(s string) (EdgeRounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "outward":
		return Outward, nil
	case "inward":
		return Inward, nil
	case "nearest":
		return Nearest, nil
	default:
		return 0, fmt.Errorf("%w: unknown edge rounding %q", ErrInvalidParams, s)
	}
}

// Input describes the price and interval layout the targets are computed for.
type Input struct {
	// Tick is the spot or oracle average tick.
	Tick             int32
	Domain           valuation.Range
	LowerPosition    valuation.Range
	UpperPosition    valuation.Range
	WidthCoefficient int32
	TickSpacing      int32
	Mode             Mode
	EdgeRounding     EdgeRounding
	// ImmediateShareD is the part of the reserve kept immediately liquid.
	ImmediateShareD uint64
}

// Targets is the desired split of capital, all in units of D.
type Targets struct {
	ImmediateD uint64 `json:"immediate_d"`
	PassiveD   uint64 `json:"passive_d"`
	LiquidityD uint64 `json:"liquidity_d"`

	Token0D uint64 `json:"token0_d"`
	Token1D uint64 `json:"token1_d"`
	// Token1ShareD is token1's share of the reserve.
	Token1ShareD uint64 `json:"token1_share_d"`
	// UpperLiquidityD is the upper position's share of liquidity. Values
	// outside [0, D] mean the positions no longer straddle the price.
	UpperLiquidityD int64 `json:"upper_liquidity_d"`

	Region valuation.Range `json:"region"`
}

// ReserveD is the immediate plus passive fraction.
func (t Targets) ReserveD() uint64 { return t.ImmediateD + t.PassiveD }

// NeedsRoll reports whether the liquidity split target left [0, D].
func (t Targets) NeedsRoll() bool {
	return t.UpperLiquidityD < 0 || t.UpperLiquidityD > D
}

func (in Input) validate() error {
	if err := in.Domain.Validate(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	if err := in.LowerPosition.Validate(); err != nil {
		return fmt.Errorf("lower position: %w", err)
	}
	if err := in.UpperPosition.Validate(); err != nil {
		return fmt.Errorf("upper position: %w", err)
	}
	if in.WidthCoefficient < 1 {
		return fmt.Errorf("%w: width coefficient %d", ErrInvalidParams, in.WidthCoefficient)
	}
	if in.TickSpacing < 1 {
		return fmt.Errorf("%w: tick spacing %d", ErrInvalidParams, in.TickSpacing)
	}
	if in.ImmediateShareD > D {
		return fmt.Errorf("%w: immediate share %d", ErrInvalidParams, in.ImmediateShareD)
	}
	if in.Mode != Continuous && in.Mode != Discrete {
		return fmt.Errorf("%w: mode %d", ErrInvalidParams, in.Mode)
	}
	return nil
}

// Calculate returns the target capital split for in.
func Calculate(in Input) (Targets, error) {
	if err := in.validate(); err != nil {
		return Targets{}, err
	}

	region, err := liquidityRegion(in)
	if err != nil {
		return Targets{}, err
	}

	price, err := tickmath.SqrtRatioAtTick(in.Domain.Clamp(in.Tick))
	if err != nil {
		return Targets{}, err
	}

	var parts split
	switch in.Mode {
	case Continuous:
		parts, err = continuousSplit(in.Domain, region, price)
	case Discrete:
		parts, err = discreteSplit(in.Domain, region, price, in.EdgeRounding)
	}
	if err != nil {
		return Targets{}, err
	}

	t, err := parts.targets(in.ImmediateShareD)
	if err != nil {
		return Targets{}, err
	}
	t.UpperLiquidityD = LiquiditySplit(in.Tick, in.LowerPosition)
	t.Region = region
	return t, nil
}

// liquidityRegion is the union of both positions, widened around its centre
// by the coefficient, snapped to spacing and clamped to the domain.
func liquidityRegion(in Input) (valuation.Range, error) {
	union := valuation.Range{
		Lower: min(in.LowerPosition.Lower, in.UpperPosition.Lower),
		Upper: max(in.LowerPosition.Upper, in.UpperPosition.Upper),
	}

	region := union
	if in.WidthCoefficient > 1 {
		extra := int64(union.Width()) * int64(in.WidthCoefficient-1) / 2
		lower := clampTick(int64(union.Lower) - extra)
		upper := clampTick(int64(union.Upper) + extra)
		switch in.EdgeRounding {
		case Outward:
			lower = tickmath.FloorToSpacing(lower, in.TickSpacing)
			upper = tickmath.CeilToSpacing(upper, in.TickSpacing)
		case Inward:
			lower = tickmath.CeilToSpacing(lower, in.TickSpacing)
			upper = tickmath.FloorToSpacing(upper, in.TickSpacing)
		case Nearest:
			lower = tickmath.NearestToSpacing(lower, in.TickSpacing)
			upper = tickmath.NearestToSpacing(upper, in.TickSpacing)
		}
		region = valuation.Range{
			Lower: min(lower, union.Lower),
			Upper: max(upper, union.Upper),
		}
	}

	region.Lower = max(region.Lower, in.Domain.Lower)
	region.Upper = min(region.Upper, in.Domain.Upper)
	if region.Lower >= region.Upper {
		return valuation.Range{}, fmt.Errorf("%w: positions [%d, %d] outside domain [%d, %d]",
			valuation.ErrInvalidRange, union.Lower, union.Upper, in.Domain.Lower, in.Domain.Upper)
	}
	return region, nil
}

func clampTick(tick int64) int32 {
	if tick < int64(tickmath.MinTick) {
		return tickmath.MinTick
	}
	if tick > int64(tickmath.MaxTick) {
		return tickmath.MaxTick
	}
	return int32(tick)
}

// split holds price-normalised values of the three regions.
type split struct {
	token0    *uint256.Int
	token1    *uint256.Int
	liquidity *uint256.Int
	// liquidity region composition, used when the reserve target is empty
	liquidity0 *uint256.Int
	liquidity1 *uint256.Int
}

func newSplit() split {
	return split{
		token0:     new(uint256.Int),
		token1:     new(uint256.Int),
		liquidity:  new(uint256.Int),
		liquidity0: new(uint256.Int),
		liquidity1: new(uint256.Int),
	}
}

func (s split) targets(immediateShareD uint64) (Targets, error) {
	den := new(uint256.Int).Add(s.token0, s.token1)
	den.Add(den, s.liquidity)
	if den.IsZero() {
		return Targets{}, fmt.Errorf("%w: empty domain value", tickmath.ErrOverflow)
	}

	token0D, err := tickmath.MulDiv(s.token0, Denominator, den)
	if err != nil {
		return Targets{}, err
	}
	token1D, err := tickmath.MulDiv(s.token1, Denominator, den)
	if err != nil {
		return Targets{}, err
	}

	t := Targets{
		Token0D: token0D.Uint64(),
		Token1D: token1D.Uint64(),
	}
	reserve := t.Token0D + t.Token1D
	t.LiquidityD = D - reserve
	t.ImmediateD = reserve * immediateShareD / D
	t.PassiveD = reserve - t.ImmediateD

	switch {
	case reserve > 0:
		t.Token1ShareD = t.Token1D * D / reserve
	default:
		total := new(uint256.Int).Add(s.liquidity0, s.liquidity1)
		if total.IsZero() {
			t.Token1ShareD = D / 2
			break
		}
		share, err := tickmath.MulDiv(s.liquidity1, Denominator, total)
		if err != nil {
			return Targets{}, err
		}
		t.Token1ShareD = share.Uint64()
	}
	return t, nil
}
