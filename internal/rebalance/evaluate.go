package rebalance

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// Capital is every compartment valued in token1 at the oracle price.
type Capital struct {
	Immediate *uint256.Int `json:"immediate"`
	Passive   *uint256.Int `json:"passive"`
	Lower     *uint256.Int `json:"lower"`
	Upper     *uint256.Int `json:"upper"`
	Total     *uint256.Int `json:"total"`
}

// Liquidity is the value held by both positions.
func (c Capital) Liquidity() *uint256.Int {
	return new(uint256.Int).Add(c.Lower, c.Upper)
}

// Evaluation compares the portfolio with its targets at one oracle reading.
type Evaluation struct {
	Tick    int32         `json:"tick"`
	Targets ratio.Targets `json:"targets"`
	Capital Capital       `json:"capital"`

	ImmediateD uint64 `json:"immediate_d"`
	PassiveD   uint64 `json:"passive_d"`
	LiquidityD uint64 `json:"liquidity_d"`
	// Token1ShareD is token1's share of the immediate reserve.
	Token1ShareD uint64 `json:"token1_share_d"`
	// UpperLiquidityD is the upper position's share of total liquidity units.
	UpperLiquidityD uint64 `json:"upper_liquidity_d"`

	CapitalDeviationD   uint64 `json:"capital_deviation_d"`
	TokenDeviationD     uint64 `json:"token_deviation_d"`
	LiquidityDeviationD uint64 `json:"liquidity_deviation_d"`

	// Axis is the most severe breached axis, NoAxis when balanced.
	Axis Axis `json:"axis"`
	// Roll is set when the positions no longer straddle the price.
	Roll bool `json:"roll"`

	LowerRange valuation.Range `json:"lower_range"`
	UpperRange valuation.Range `json:"upper_range"`
}

// State is the state the evaluation puts the machine in.
func (e Evaluation) State() State { return e.Axis.breachedState() }

// Deviation returns the deviation measured on axis.
func (e Evaluation) Deviation(axis Axis) uint64 {
	switch axis {
	case CapitalAxis:
		return e.CapitalDeviationD
	case TokenAxis:
		return e.TokenDeviationD
	case LiquidityAxis:
		return e.LiquidityDeviationD
	default:
		return 0
	}
}

func threshold(p params.Params, axis Axis) uint64 {
	switch axis {
	case CapitalAxis:
		return p.Thresholds.MinCapitalDeviationD
	case TokenAxis:
		return p.Thresholds.MinTokenDeviationD
	case LiquidityAxis:
		return p.Thresholds.MinLiquidityDeviationD
	default:
		return 0
	}
}

// Breached lists every axis whose deviation reached its threshold.
func (e Evaluation) Breached(p params.Params) []Axis {
	var out []Axis
	for _, axis := range axes {
		if axis == LiquidityAxis && e.Roll {
			out = append(out, axis)
			continue
		}
		if th := threshold(p, axis); th > 0 && e.Deviation(axis) >= th {
			out = append(out, axis)
		}
	}
	return out
}

// oraclePrice returns the sqrt price of obs, deriving it from the tick when absent.
func oraclePrice(obs Observation) (*uint256.Int, *uint256.Int, error) {
	sqrtP := obs.SqrtPriceX96
	if sqrtP == nil || sqrtP.IsZero() {
		var err error
		sqrtP, err = tickmath.SqrtRatioAtTick(obs.Tick)
		if err != nil {
			return nil, nil, err
		}
	}
	priceX96, err := tickmath.PriceX96(sqrtP)
	if err != nil {
		return nil, nil, err
	}
	return sqrtP, priceX96, nil
}

// positionRanges returns the snapshot ranges. A position that was never
// opened takes its place in the layout from its sibling, or from tick when
// neither was.
func positionRanges(p params.Params, tick int32, snap Snapshot) (valuation.Range, valuation.Range, error) {
	lower, upper := snap.Lower.Range, snap.Upper.Range
	semi := p.Strategy.WidthTicks / 2
	switch unset := (valuation.Range{}); {
	case lower == unset && upper == unset:
		return ratio.Layout(tick, p.Strategy.WidthTicks, p.Strategy.TickSpacing)
	case lower == unset:
		lower = valuation.Range{Lower: upper.Lower - semi, Upper: upper.Upper - semi}
	case upper == unset:
		upper = valuation.Range{Lower: lower.Lower + semi, Upper: lower.Upper + semi}
	}
	return lower, upper, nil
}

func positionValue(sqrtP, priceX96 *uint256.Int, pos Position, r valuation.Range) (*uint256.Int, error) {
	if pos.Liquidity == nil || pos.Liquidity.IsZero() {
		return new(uint256.Int), nil
	}
	a0, a1, err := valuation.AmountsForLiquidity(sqrtP, r, pos.Liquidity)
	if err != nil {
		return nil, err
	}
	return valuation.Value(a0, a1, priceX96)
}

func shareD(part, total *uint256.Int) (uint64, error) {
	if total.IsZero() {
		return 0, nil
	}
	v, err := tickmath.MulDiv(part, ratio.Denominator, total)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func clampD(v int64) uint64 {
	if v < 0 {
		return 0
	}
	if v > ratio.D {
		return ratio.D
	}
	return uint64(v)
}

// Evaluate values the snapshot at the oracle price and measures every axis.
func Evaluate(p params.Params, obs Observation, snap Snapshot) (Evaluation, error) {
	sqrtP, priceX96, err := oraclePrice(obs)
	if err != nil {
		return Evaluation{}, fmt.Errorf("oracle price: %w", err)
	}
	lowerRange, upperRange, err := positionRanges(p, obs.Tick, snap)
	if err != nil {
		return Evaluation{}, err
	}
	in, err := p.RatioInput(obs.Tick, lowerRange, upperRange)
	if err != nil {
		return Evaluation{}, err
	}
	targets, err := ratio.Calculate(in)
	if err != nil {
		return Evaluation{}, fmt.Errorf("targets: %w", err)
	}

	ev := Evaluation{
		Tick:       obs.Tick,
		Targets:    targets,
		LowerRange: lowerRange,
		UpperRange: upperRange,
	}

	imm := NewBalances(snap.Immediate.Token0, snap.Immediate.Token1)
	pas := NewBalances(snap.Passive.Token0, snap.Passive.Token1)
	if ev.Capital.Immediate, err = valuation.Value(imm.Token0, imm.Token1, priceX96); err != nil {
		return Evaluation{}, err
	}
	if ev.Capital.Passive, err = valuation.Value(pas.Token0, pas.Token1, priceX96); err != nil {
		return Evaluation{}, err
	}
	if ev.Capital.Lower, err = positionValue(sqrtP, priceX96, snap.Lower, lowerRange); err != nil {
		return Evaluation{}, fmt.Errorf("lower position: %w", err)
	}
	if ev.Capital.Upper, err = positionValue(sqrtP, priceX96, snap.Upper, upperRange); err != nil {
		return Evaluation{}, fmt.Errorf("upper position: %w", err)
	}
	total := new(uint256.Int).Add(ev.Capital.Immediate, ev.Capital.Passive)
	total.Add(total, ev.Capital.Liquidity())
	ev.Capital.Total = total

	ev.Roll = targets.NeedsRoll()
	if ev.Roll {
		ev.LiquidityDeviationD = ratio.D
	}
	if total.IsZero() {
		if ev.Roll {
			ev.Axis = LiquidityAxis
		}
		return ev, nil
	}

	if ev.ImmediateD, err = shareD(ev.Capital.Immediate, total); err != nil {
		return Evaluation{}, err
	}
	if ev.PassiveD, err = shareD(ev.Capital.Passive, total); err != nil {
		return Evaluation{}, err
	}
	if ev.LiquidityD, err = shareD(ev.Capital.Liquidity(), total); err != nil {
		return Evaluation{}, err
	}
	ev.CapitalDeviationD = max(
		absDiff(ev.ImmediateD, targets.ImmediateD),
		absDiff(ev.PassiveD, targets.PassiveD),
		absDiff(ev.LiquidityD, targets.LiquidityD),
	)

	if !ev.Capital.Immediate.IsZero() {
		if ev.Token1ShareD, err = shareD(imm.Token1, ev.Capital.Immediate); err != nil {
			return Evaluation{}, err
		}
		ev.TokenDeviationD = absDiff(ev.Token1ShareD, targets.Token1ShareD)
	}

	lowerL := orZero(snap.Lower.Liquidity)
	upperL := orZero(snap.Upper.Liquidity)
	totalL := new(uint256.Int).Add(lowerL, upperL)
	if !totalL.IsZero() {
		if ev.UpperLiquidityD, err = shareD(upperL, totalL); err != nil {
			return Evaluation{}, err
		}
		if !ev.Roll {
			ev.LiquidityDeviationD = absDiff(ev.UpperLiquidityD, clampD(targets.UpperLiquidityD))
		}
	}

	ev.Axis = ev.mostSevere(p)
	return ev, nil
}

// mostSevere picks the breached axis with the largest deviation relative to
// its threshold. A pending roll always wins.
func (e Evaluation) mostSevere(p params.Params) Axis {
	if e.Roll {
		return LiquidityAxis
	}
	best, bestScore := NoAxis, uint64(0)
	for _, axis := range e.Breached(p) {
		score := e.Deviation(axis) * ratio.D / threshold(p, axis)
		if best == NoAxis || score > bestScore {
			best, bestScore = axis, score
		}
	}
	return best
}
