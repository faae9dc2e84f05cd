package watch

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/valuation"
)

// Ledger projects a custodian snapshot forward through recorded instructions.
// Each instruction is credited with the fill its minimums guarantee, so later
// passes of the controller plan against a conservative estimate.
type Ledger struct {
	recorder *rebalance.Recorder

	mu   sync.Mutex
	snap rebalance.Snapshot
}

func NewLedger(snap rebalance.Snapshot) *Ledger {
	l := &Ledger{recorder: &rebalance.Recorder{}}
	l.snap = cloneSnapshot(snap)
	return l
}

func cloneSnapshot(s rebalance.Snapshot) rebalance.Snapshot {
	out := rebalance.Snapshot{
		Immediate: rebalance.NewBalances(s.Immediate.Token0, s.Immediate.Token1),
		Passive:   rebalance.NewBalances(s.Passive.Token0, s.Passive.Token1),
		Lower:     rebalance.Position{Range: s.Lower.Range, Liquidity: clone(s.Lower.Liquidity)},
		Upper:     rebalance.Position{Range: s.Upper.Range, Liquidity: clone(s.Upper.Liquidity)},
	}
	out.Immediate.Token0, out.Immediate.Token1 = clone(out.Immediate.Token0), clone(out.Immediate.Token1)
	out.Passive.Token0, out.Passive.Token1 = clone(out.Passive.Token0), clone(out.Passive.Token1)
	if s.SqrtPriceX96 != nil {
		out.SqrtPriceX96 = clone(s.SqrtPriceX96)
	}
	return out
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func (l *Ledger) Snapshot(ctx context.Context) (rebalance.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneSnapshot(l.snap), nil
}

// Instructions returns everything recorded so far, in order.
func (l *Ledger) Instructions() []rebalance.Instruction {
	return l.recorder.Recorded()
}

func (l *Ledger) position(tag rebalance.PositionTag) *rebalance.Position {
	if tag == rebalance.Lower {
		return &l.snap.Lower
	}
	return &l.snap.Upper
}

func sub(dst, v *uint256.Int, what string) error {
	if dst.Lt(v) {
		return fmt.Errorf("%w: %s holds %s, want %s", rebalance.ErrInsufficientBalance, what, dst.Dec(), v.Dec())
	}
	dst.Sub(dst, v)
	return nil
}

func (l *Ledger) Execute(ctx context.Context, ins rebalance.Instruction) (rebalance.Fill, error) {
	fill, err := l.recorder.Execute(ctx, ins)
	if err != nil {
		return rebalance.Fill{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	imm, pas := &l.snap.Immediate, &l.snap.Passive

	switch ins.Kind {
	case rebalance.WithdrawPassive, rebalance.DepositPassive:
		from, to := pas, imm
		if ins.Kind == rebalance.DepositPassive {
			from, to = imm, pas
		}
		a0, a1 := clone(ins.Amount0), clone(ins.Amount1)
		if err := sub(from.Token0, a0, "token0"); err != nil {
			return rebalance.Fill{}, err
		}
		if err := sub(from.Token1, a1, "token1"); err != nil {
			from.Token0.Add(from.Token0, a0)
			return rebalance.Fill{}, err
		}
		to.Token0.Add(to.Token0, a0)
		to.Token1.Add(to.Token1, a1)

	case rebalance.DecreaseLiquidity:
		pos := l.position(ins.Position)
		if err := sub(pos.Liquidity, clone(ins.Liquidity), ins.Position.String()+" liquidity"); err != nil {
			return rebalance.Fill{}, err
		}
		imm.Token0.Add(imm.Token0, clone(fill.Amount0))
		imm.Token1.Add(imm.Token1, clone(fill.Amount1))

	case rebalance.IncreaseLiquidity:
		pos := l.position(ins.Position)
		if pos.Liquidity.IsZero() && ins.Range != (valuation.Range{}) {
			pos.Range = ins.Range
		}
		if l.snap.SqrtPriceX96 == nil {
			return rebalance.Fill{}, fmt.Errorf("projecting %s without a spot price", ins.Kind)
		}
		liquidity, err := valuation.LiquidityForAmounts(l.snap.SqrtPriceX96, pos.Range, clone(ins.Amount0), clone(ins.Amount1))
		if err != nil {
			return rebalance.Fill{}, err
		}
		need0, need1, err := valuation.AmountsForLiquidity(l.snap.SqrtPriceX96, pos.Range, liquidity)
		if err != nil {
			return rebalance.Fill{}, err
		}
		if err := sub(imm.Token0, need0, "token0"); err != nil {
			return rebalance.Fill{}, err
		}
		if err := sub(imm.Token1, need1, "token1"); err != nil {
			imm.Token0.Add(imm.Token0, need0)
			return rebalance.Fill{}, err
		}
		pos.Liquidity.Add(pos.Liquidity, liquidity)
		fill = rebalance.Fill{Amount0: need0, Amount1: need1, Liquidity: liquidity}

	case rebalance.Swap:
		in, out := imm.Token1, imm.Token0
		if ins.ZeroForOne {
			in, out = imm.Token0, imm.Token1
		}
		if err := sub(in, clone(ins.AmountIn), "swap input"); err != nil {
			return rebalance.Fill{}, err
		}
		out.Add(out, clone(fill.AmountOut))

	case rebalance.Roll:
		pos := l.position(ins.Position)
		if !pos.Liquidity.IsZero() {
			return rebalance.Fill{}, fmt.Errorf("roll %s position: %s liquidity still open", ins.Position, pos.Liquidity.Dec())
		}
		pos.Range = ins.Range

	default:
		return rebalance.Fill{}, fmt.Errorf("unknown instruction %s", ins.Kind)
	}
	return fill, nil
}
