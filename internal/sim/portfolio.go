package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// Portfolio holds the managed compartments and executes instructions against a Pool.
type Portfolio struct {
	pool *Pool
	now  func() time.Time

	mu        sync.Mutex
	immediate rebalance.Balances
	passive   rebalance.Balances
	positions [2]rebalance.Position
}

// PortfolioOption configures a Portfolio.
type PortfolioOption func(*Portfolio)

// WithClock sets the clock instruction deadlines are checked against.
func WithClock(now func() time.Time) PortfolioOption {
	return func(k *Portfolio) { k.now = now }
}

// NewPortfolio starts with the given token balances in the immediate reserve.
func NewPortfolio(pool *Pool, amount0, amount1 *uint256.Int, opts ...PortfolioOption) *Portfolio {
	k := &Portfolio{
		pool:      pool,
		now:       time.Now,
		immediate: rebalance.NewBalances(amount0, amount1),
		passive:   rebalance.NewBalances(nil, nil),
	}
	for i := range k.positions {
		k.positions[i].Liquidity = new(uint256.Int)
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// AccruePassive grows the passive reserve by yieldD, in units of D.
func (k *Portfolio) AccruePassive(yieldD uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, v := range []*uint256.Int{k.passive.Token0, k.passive.Token1} {
		gain := new(uint256.Int).Mul(v, uint256.NewInt(yieldD))
		v.Add(v, gain.Div(gain, ratio.Denominator))
	}
}

// Deposit adds tokens to the immediate reserve.
func (k *Portfolio) Deposit(amount0, amount1 *uint256.Int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	give(&k.immediate, amount0, amount1)
}

// Open mints liquidity for tag over r from the immediate reserve.
func (k *Portfolio) Open(tag rebalance.PositionTag, r valuation.Range, liquidity *uint256.Int) error {
	_, err := k.Execute(context.Background(), rebalance.Instruction{
		Kind:     rebalance.Roll,
		Position: tag,
		Range:    r,
		Deadline: k.now().Add(time.Hour),
	})
	if err != nil {
		return err
	}
	if liquidity == nil || liquidity.IsZero() {
		return nil
	}
	a0, a1, err := valuation.AmountsForLiquidity(k.pool.SqrtPriceX96(), r, liquidity)
	if err != nil {
		return err
	}
	_, err = k.Execute(context.Background(), rebalance.Instruction{
		Kind:     rebalance.IncreaseLiquidity,
		Position: tag,
		Range:    r,
		Amount0:  a0,
		Amount1:  a1,
		Deadline: k.now().Add(time.Hour),
	})
	return err
}

func (k *Portfolio) Snapshot(ctx context.Context) (rebalance.Snapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return rebalance.Snapshot{
		Immediate:    rebalance.NewBalances(k.immediate.Token0, k.immediate.Token1),
		Passive:      rebalance.NewBalances(k.passive.Token0, k.passive.Token1),
		Lower:        copyPosition(k.positions[rebalance.Lower]),
		Upper:        copyPosition(k.positions[rebalance.Upper]),
		SqrtPriceX96: k.pool.SqrtPriceX96(),
	}, nil
}

func copyPosition(p rebalance.Position) rebalance.Position {
	return rebalance.Position{Range: p.Range, Liquidity: new(uint256.Int).Set(p.Liquidity)}
}

// Value returns every compartment valued in token1 at sqrtPriceX96.
func (k *Portfolio) Value(sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	snap, err := k.Snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	priceX96, err := tickmath.PriceX96(sqrtPriceX96)
	if err != nil {
		return nil, err
	}
	total := new(uint256.Int)
	for _, b := range []rebalance.Balances{snap.Immediate, snap.Passive} {
		v, err := valuation.Value(b.Token0, b.Token1, priceX96)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	for _, pos := range []rebalance.Position{snap.Lower, snap.Upper} {
		if pos.Liquidity.IsZero() {
			continue
		}
		a0, a1, err := valuation.AmountsForLiquidity(sqrtPriceX96, pos.Range, pos.Liquidity)
		if err != nil {
			return nil, err
		}
		v, err := valuation.Value(a0, a1, priceX96)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

func take(b *rebalance.Balances, amount0, amount1 *uint256.Int) error {
	a0, a1 := orZero(amount0), orZero(amount1)
	if b.Token0.Lt(a0) || b.Token1.Lt(a1) {
		return fmt.Errorf("%w: want (%s, %s), have (%s, %s)", rebalance.ErrInsufficientBalance,
			a0.Dec(), a1.Dec(), b.Token0.Dec(), b.Token1.Dec())
	}
	b.Token0.Sub(b.Token0, a0)
	b.Token1.Sub(b.Token1, a1)
	return nil
}

func give(b *rebalance.Balances, amount0, amount1 *uint256.Int) {
	b.Token0.Add(b.Token0, orZero(amount0))
	b.Token1.Add(b.Token1, orZero(amount1))
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Execute applies ins to the compartments and the pool.
func (k *Portfolio) Execute(ctx context.Context, ins rebalance.Instruction) (rebalance.Fill, error) {
	if !ins.Deadline.IsZero() && k.now().After(ins.Deadline) {
		return rebalance.Fill{}, fmt.Errorf("%w: %s", rebalance.ErrDeadlineExpired, ins.Kind)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	switch ins.Kind {
	case rebalance.WithdrawPassive:
		if err := take(&k.passive, ins.Amount0, ins.Amount1); err != nil {
			return rebalance.Fill{}, err
		}
		give(&k.immediate, ins.Amount0, ins.Amount1)
		return rebalance.Fill{Amount0: orZero(ins.Amount0), Amount1: orZero(ins.Amount1)}, nil

	case rebalance.DepositPassive:
		if err := take(&k.immediate, ins.Amount0, ins.Amount1); err != nil {
			return rebalance.Fill{}, err
		}
		give(&k.passive, ins.Amount0, ins.Amount1)
		return rebalance.Fill{Amount0: orZero(ins.Amount0), Amount1: orZero(ins.Amount1)}, nil

	case rebalance.DecreaseLiquidity:
		pos := &k.positions[ins.Position]
		if pos.Liquidity.Lt(orZero(ins.Liquidity)) {
			return rebalance.Fill{}, fmt.Errorf("%w: %s position holds %s liquidity", rebalance.ErrInsufficientBalance,
				ins.Position, pos.Liquidity.Dec())
		}
		a0, a1, err := k.pool.Burn(pos.Range, ins.Liquidity)
		if err != nil {
			return rebalance.Fill{}, err
		}
		pos.Liquidity.Sub(pos.Liquidity, ins.Liquidity)
		give(&k.immediate, a0, a1)
		return rebalance.Fill{Amount0: a0, Amount1: a1, Liquidity: new(uint256.Int).Set(ins.Liquidity)}, nil

	case rebalance.IncreaseLiquidity:
		pos := &k.positions[ins.Position]
		if pos.Liquidity.IsZero() && ins.Range != (valuation.Range{}) {
			pos.Range = ins.Range
		}
		liquidity, err := valuation.LiquidityForAmounts(k.pool.SqrtPriceX96(), pos.Range, orZero(ins.Amount0), orZero(ins.Amount1))
		if err != nil {
			return rebalance.Fill{}, err
		}
		if liquidity.IsZero() {
			return rebalance.Fill{Amount0: new(uint256.Int), Amount1: new(uint256.Int), Liquidity: liquidity}, nil
		}
		need0, need1, err := valuation.AmountsForLiquidity(k.pool.SqrtPriceX96(), pos.Range, liquidity)
		if err != nil {
			return rebalance.Fill{}, err
		}
		if err := take(&k.immediate, need0, need1); err != nil {
			return rebalance.Fill{}, err
		}
		if _, _, err := k.pool.Mint(pos.Range, liquidity); err != nil {
			give(&k.immediate, need0, need1)
			return rebalance.Fill{}, err
		}
		pos.Liquidity.Add(pos.Liquidity, liquidity)
		return rebalance.Fill{Amount0: need0, Amount1: need1, Liquidity: liquidity}, nil

	case rebalance.Swap:
		in := orZero(ins.AmountIn)
		if ins.ZeroForOne {
			if err := take(&k.immediate, in, nil); err != nil {
				return rebalance.Fill{}, err
			}
		} else if err := take(&k.immediate, nil, in); err != nil {
			return rebalance.Fill{}, err
		}
		before := k.pool.SqrtPriceX96()
		used, out, err := k.pool.Swap(ins.ZeroForOne, in, nil)
		if err == nil && ins.MinOut != nil && out.Lt(ins.MinOut) {
			k.pool.setSqrtPrice(before)
			err = fmt.Errorf("%w: swap returned %s, minimum %s", rebalance.ErrSlippageExceeded, out.Dec(), ins.MinOut.Dec())
		}
		if err != nil {
			if ins.ZeroForOne {
				give(&k.immediate, in, nil)
			} else {
				give(&k.immediate, nil, in)
			}
			return rebalance.Fill{}, err
		}
		refund := new(uint256.Int).Sub(in, used)
		if ins.ZeroForOne {
			give(&k.immediate, refund, out)
			return rebalance.Fill{Amount0: used, AmountOut: out}, nil
		}
		give(&k.immediate, out, refund)
		return rebalance.Fill{Amount1: used, AmountOut: out}, nil

	case rebalance.Roll:
		pos := &k.positions[ins.Position]
		if !pos.Liquidity.IsZero() {
			return rebalance.Fill{}, fmt.Errorf("roll %s position: %s liquidity still open", ins.Position, pos.Liquidity.Dec())
		}
		if err := ins.Range.Validate(); err != nil {
			return rebalance.Fill{}, err
		}
		pos.Range = ins.Range
		return rebalance.Fill{}, nil
	}
	return rebalance.Fill{}, fmt.Errorf("unknown instruction %s", ins.Kind)
}
