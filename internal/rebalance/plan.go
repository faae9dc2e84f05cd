package rebalance

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// referenceLiquidity sizes the unit position used to price liquidity.
var referenceLiquidity = uint256.NewInt(1_000_000_000_000_000_000)

type planner struct {
	p        params.Params
	snap     Snapshot
	ev       Evaluation
	sqrtP    *uint256.Int
	priceX96 *uint256.Int

	orderDeadline time.Time
	stepDeadline  time.Time
	minAmount0    *uint256.Int
	minAmount1    *uint256.Int

	out []Instruction
}

// Plan returns the instructions that correct the evaluation's most severe axis.
// Every minimum it sets is derived from the oracle price.
func Plan(p params.Params, obs Observation, snap Snapshot, ev Evaluation, now time.Time) ([]Instruction, error) {
	sqrtP, priceX96, err := oraclePrice(obs)
	if err != nil {
		return nil, err
	}
	pl := &planner{
		p:             p,
		snap:          snap,
		ev:            ev,
		sqrtP:         sqrtP,
		priceX96:      priceX96,
		orderDeadline: now.Add(p.Safety.OrderDeadline),
		stepDeadline:  now.Add(p.Safety.RebalanceDeadline),
		minAmount0:    uint256.NewInt(p.Trading.MinToken0ForOpening),
		minAmount1:    uint256.NewInt(p.Trading.MinToken1ForOpening),
	}
	if pl.orderDeadline.After(pl.stepDeadline) {
		pl.orderDeadline = pl.stepDeadline
	}

	switch {
	case ev.Axis == LiquidityAxis && ev.Roll:
		err = pl.roll(obs.Tick)
	case ev.Axis == LiquidityAxis:
		err = pl.liquidity()
	case ev.Axis == CapitalAxis:
		err = pl.capital()
	case ev.Axis == TokenAxis:
		err = pl.token()
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", ev.Axis, err)
	}
	return pl.out, nil
}

func (pl *planner) rangeOf(tag PositionTag) valuation.Range {
	if tag == Lower {
		return pl.ev.LowerRange
	}
	return pl.ev.UpperRange
}

func (pl *planner) slipDown(v *uint256.Int) (*uint256.Int, error) {
	return tickmath.MulDiv(v, uint256.NewInt(ratio.D-pl.p.Safety.MaxSlippageD), ratio.Denominator)
}

func mulD(v *uint256.Int, d uint64) (*uint256.Int, error) {
	return tickmath.MulDiv(v, uint256.NewInt(d), ratio.Denominator)
}

// decrease removes liquidity from tag and returns the amounts it should
// release at the oracle price.
func (pl *planner) decrease(tag PositionTag, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	a0, a1, err := valuation.AmountsForLiquidity(pl.sqrtP, pl.rangeOf(tag), liquidity)
	if err != nil {
		return nil, nil, err
	}
	value, err := valuation.Value(a0, a1, pl.priceX96)
	if err != nil {
		return nil, nil, err
	}
	minValue, err := pl.slipDown(value)
	if err != nil {
		return nil, nil, err
	}
	pl.out = append(pl.out, Instruction{
		Kind:      DecreaseLiquidity,
		Position:  tag,
		Range:     pl.rangeOf(tag),
		Liquidity: new(uint256.Int).Set(liquidity),
		MinValue:  minValue,
		Deadline:  pl.stepDeadline,
	})
	return a0, a1, nil
}

// swap exchanges surplus of one token for the shortfall of the other so that
// (est0, est1) approaches (req0, req1). It returns the balances assuming the
// worst fill the minimum allows.
func (pl *planner) swap(est0, est1, req0, req1 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	switch {
	case est1.Gt(req1) && req0.Gt(est0):
		in := new(uint256.Int).Sub(est1, req1)
		want, err := valuation.ToToken1(new(uint256.Int).Sub(req0, est0), pl.sqrtP)
		if err != nil {
			return nil, nil, err
		}
		if want.Lt(in) {
			in = want
		}
		if in.Lt(pl.minAmount1) {
			return est0, est1, nil
		}
		out, err := valuation.ToToken0(in, pl.sqrtP)
		if err != nil {
			return nil, nil, err
		}
		minOut, err := pl.slipDown(out)
		if err != nil {
			return nil, nil, err
		}
		pl.appendSwap(false, in, minOut)
		return new(uint256.Int).Add(est0, minOut), new(uint256.Int).Sub(est1, in), nil

	case est0.Gt(req0) && req1.Gt(est1):
		in := new(uint256.Int).Sub(est0, req0)
		want, err := valuation.ToToken0(new(uint256.Int).Sub(req1, est1), pl.sqrtP)
		if err != nil {
			return nil, nil, err
		}
		if want.Lt(in) {
			in = want
		}
		if in.Lt(pl.minAmount0) {
			return est0, est1, nil
		}
		out, err := valuation.ToToken1(in, pl.sqrtP)
		if err != nil {
			return nil, nil, err
		}
		minOut, err := pl.slipDown(out)
		if err != nil {
			return nil, nil, err
		}
		pl.appendSwap(true, in, minOut)
		return new(uint256.Int).Sub(est0, in), new(uint256.Int).Add(est1, minOut), nil
	}
	return est0, est1, nil
}

func (pl *planner) appendSwap(zeroForOne bool, in, minOut *uint256.Int) {
	pl.out = append(pl.out, Instruction{
		Kind:       Swap,
		ZeroForOne: zeroForOne,
		AmountIn:   in,
		MinOut:     minOut,
		Deadline:   pl.orderDeadline,
	})
}

func (pl *planner) dust(a0, a1 *uint256.Int) bool {
	return a0.Lt(pl.minAmount0) && a1.Lt(pl.minAmount1)
}

// amountsForValue returns the liquidity over r worth value and the tokens it holds.
func (pl *planner) amountsForValue(r valuation.Range, value *uint256.Int) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	zero := new(uint256.Int)
	if value.IsZero() {
		return zero, zero, zero, nil
	}
	r0, r1, err := valuation.AmountsForLiquidity(pl.sqrtP, r, referenceLiquidity)
	if err != nil {
		return nil, nil, nil, err
	}
	unit, err := valuation.Value(r0, r1, pl.priceX96)
	if err != nil {
		return nil, nil, nil, err
	}
	if unit.IsZero() {
		return zero, zero, zero, nil
	}
	liquidity, err := tickmath.MulDiv(value, referenceLiquidity, unit)
	if err != nil {
		return nil, nil, nil, err
	}
	a0, a1, err := valuation.AmountsForLiquidity(pl.sqrtP, r, liquidity)
	if err != nil {
		return nil, nil, nil, err
	}
	return liquidity, a0, a1, nil
}

// splitValue divides a token1-denominated value by the token1 share shareD.
func (pl *planner) splitValue(value *uint256.Int, shareD uint64) (*uint256.Int, *uint256.Int, error) {
	v1, err := mulD(value, shareD)
	if err != nil {
		return nil, nil, err
	}
	v0, err := valuation.ToToken0(new(uint256.Int).Sub(value, v1), pl.sqrtP)
	if err != nil {
		return nil, nil, err
	}
	return v0, v1, nil
}

type push struct {
	kind      Kind
	tag       PositionTag
	liquidity *uint256.Int
	amount0   *uint256.Int
	amount1   *uint256.Int
}

// capital pulls from over-weight compartments first, then rebalances the
// immediate reserve's composition with one swap, then pushes into
// under-weight compartments.
func (pl *planner) capital() error {
	c, t := pl.ev.Capital, pl.ev.Targets
	tgtImm, err := mulD(c.Total, t.ImmediateD)
	if err != nil {
		return err
	}
	tgtPass, err := mulD(c.Total, t.PassiveD)
	if err != nil {
		return err
	}
	tgtLiq, err := mulD(c.Total, t.LiquidityD)
	if err != nil {
		return err
	}
	curLiq := c.Liquidity()

	est0 := orZero(pl.snap.Immediate.Token0)
	est1 := orZero(pl.snap.Immediate.Token1)

	if c.Passive.Gt(tgtPass) {
		excess := new(uint256.Int).Sub(c.Passive, tgtPass)
		a0, err := tickmath.MulDiv(orZero(pl.snap.Passive.Token0), excess, c.Passive)
		if err != nil {
			return err
		}
		a1, err := tickmath.MulDiv(orZero(pl.snap.Passive.Token1), excess, c.Passive)
		if err != nil {
			return err
		}
		if !a0.IsZero() || !a1.IsZero() {
			pl.out = append(pl.out, Instruction{
				Kind:     WithdrawPassive,
				Amount0:  a0,
				Amount1:  a1,
				Deadline: pl.stepDeadline,
			})
			est0.Add(est0, a0)
			est1.Add(est1, a1)
		}
	}

	if curLiq.Gt(tgtLiq) {
		excess := new(uint256.Int).Sub(curLiq, tgtLiq)
		for _, tag := range []PositionTag{Lower, Upper} {
			pos := pl.snap.Position(tag)
			if pos.Liquidity == nil || pos.Liquidity.IsZero() {
				continue
			}
			dl, err := tickmath.MulDiv(pos.Liquidity, excess, curLiq)
			if err != nil {
				return err
			}
			if dl.IsZero() {
				continue
			}
			a0, a1, err := pl.decrease(tag, dl)
			if err != nil {
				return err
			}
			est0.Add(est0, a0)
			est1.Add(est1, a1)
		}
	}

	var pushes []push
	need0, need1 := new(uint256.Int), new(uint256.Int)
	if tgtPass.Gt(c.Passive) {
		d0, d1, err := pl.splitValue(new(uint256.Int).Sub(tgtPass, c.Passive), t.Token1ShareD)
		if err != nil {
			return err
		}
		pushes = append(pushes, push{kind: DepositPassive, amount0: d0, amount1: d1})
		need0.Add(need0, d0)
		need1.Add(need1, d1)
	}
	if tgtLiq.Gt(curLiq) {
		deficit := new(uint256.Int).Sub(tgtLiq, curLiq)
		upperValue, err := mulD(deficit, clampD(t.UpperLiquidityD))
		if err != nil {
			return err
		}
		values := map[PositionTag]*uint256.Int{
			Lower: new(uint256.Int).Sub(deficit, upperValue),
			Upper: upperValue,
		}
		for _, tag := range []PositionTag{Lower, Upper} {
			l, a0, a1, err := pl.amountsForValue(pl.rangeOf(tag), values[tag])
			if err != nil {
				return err
			}
			if l.IsZero() {
				continue
			}
			pushes = append(pushes, push{kind: IncreaseLiquidity, tag: tag, liquidity: l, amount0: a0, amount1: a1})
			need0.Add(need0, a0)
			need1.Add(need1, a1)
		}
	}

	imm0, imm1, err := pl.splitValue(tgtImm, t.Token1ShareD)
	if err != nil {
		return err
	}
	est0, est1, err = pl.swap(est0, est1, new(uint256.Int).Add(need0, imm0), new(uint256.Int).Add(need1, imm1))
	if err != nil {
		return err
	}

	scale, err := fundable(est0, est1, need0, need1)
	if err != nil {
		return err
	}
	for _, ps := range pushes {
		a0, err := mulD(ps.amount0, scale)
		if err != nil {
			return err
		}
		a1, err := mulD(ps.amount1, scale)
		if err != nil {
			return err
		}
		if pl.dust(a0, a1) {
			continue
		}
		ins := Instruction{
			Kind:     ps.kind,
			Amount0:  a0,
			Amount1:  a1,
			Deadline: pl.stepDeadline,
		}
		if ps.kind == IncreaseLiquidity {
			l, err := mulD(ps.liquidity, scale)
			if err != nil {
				return err
			}
			ins.Position = ps.tag
			ins.Range = pl.rangeOf(ps.tag)
			ins.Liquidity = l
		}
		pl.out = append(pl.out, ins)
	}
	return nil
}

// fundable returns the largest fraction, in units of D, of (need0, need1)
// that (have0, have1) covers.
func fundable(have0, have1, need0, need1 *uint256.Int) (uint64, error) {
	scale := uint64(ratio.D)
	for _, pair := range [][2]*uint256.Int{{have0, need0}, {have1, need1}} {
		have, need := pair[0], pair[1]
		if need.IsZero() || !need.Gt(have) {
			continue
		}
		s, err := shareD(have, need)
		if err != nil {
			return 0, err
		}
		scale = min(scale, s)
	}
	return scale, nil
}

// token swaps inside the immediate reserve toward the target token1 share.
func (pl *planner) token() error {
	imm0 := orZero(pl.snap.Immediate.Token0)
	imm1 := orZero(pl.snap.Immediate.Token1)
	req0, req1, err := pl.splitValue(pl.ev.Capital.Immediate, pl.ev.Targets.Token1ShareD)
	if err != nil {
		return err
	}
	_, _, err = pl.swap(imm0, imm1, req0, req1)
	return err
}

// liquidity moves liquidity units from the over-weight position into the
// other one, swapping the released tokens to the receiving range's mix.
func (pl *planner) liquidity() error {
	lowerL := orZero(pl.snap.Lower.Liquidity)
	upperL := orZero(pl.snap.Upper.Liquidity)
	totalL := new(uint256.Int).Add(lowerL, upperL)
	if totalL.IsZero() {
		return nil
	}

	cur, tgt := pl.ev.UpperLiquidityD, clampD(pl.ev.Targets.UpperLiquidityD)
	from := Lower
	if cur > tgt {
		from = Upper
	}
	to := from.Other()
	delta, err := mulD(totalL, absDiff(cur, tgt))
	if err != nil {
		return err
	}
	if avail := orZero(pl.snap.Position(from).Liquidity); delta.Gt(avail) {
		delta = avail
	}
	if delta.IsZero() {
		return nil
	}

	rel0, rel1, err := pl.decrease(from, delta)
	if err != nil {
		return err
	}
	need0, need1, err := valuation.AmountsForLiquidity(pl.sqrtP, pl.rangeOf(to), delta)
	if err != nil {
		return err
	}

	imm0 := orZero(pl.snap.Immediate.Token0)
	imm1 := orZero(pl.snap.Immediate.Token1)
	est0 := new(uint256.Int).Add(imm0, rel0)
	est1 := new(uint256.Int).Add(imm1, rel1)
	est0, est1, err = pl.swap(est0, est1, new(uint256.Int).Add(imm0, need0), new(uint256.Int).Add(imm1, need1))
	if err != nil {
		return err
	}

	a0 := minUint(need0, est0)
	a1 := minUint(need1, est1)
	if pl.dust(a0, a1) {
		return nil
	}
	pl.out = append(pl.out, Instruction{
		Kind:      IncreaseLiquidity,
		Position:  to,
		Range:     pl.rangeOf(to),
		Liquidity: delta,
		Amount0:   a0,
		Amount1:   a1,
		Deadline:  pl.stepDeadline,
	})
	return nil
}

// roll empties every position that no longer matches the layout around tick
// and re-opens it there. Capital corrections refill it afterwards.
func (pl *planner) roll(tick int32) error {
	lower, upper, err := ratio.Layout(tick, pl.p.Strategy.WidthTicks, pl.p.Strategy.TickSpacing)
	if err != nil {
		return err
	}
	for _, next := range []struct {
		tag PositionTag
		r   valuation.Range
	}{{Lower, lower}, {Upper, upper}} {
		pos := pl.snap.Position(next.tag)
		if pos.Range == next.r {
			continue
		}
		if pos.Liquidity != nil && !pos.Liquidity.IsZero() {
			if _, _, err := pl.decrease(next.tag, pos.Liquidity); err != nil {
				return err
			}
		}
		pl.out = append(pl.out, Instruction{
			Kind:     Roll,
			Position: next.tag,
			Range:    next.r,
			Deadline: pl.stepDeadline,
		})
	}
	return nil
}

func minUint(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
