package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/holiman/uint256"

	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

var (
	ErrNoLiquidity = errors.New("no liquidity to burn")
	ErrPriceLimit  = errors.New("price limit on wrong side of spot")
)

const pipsDenominator = 1_000_000

// unbounded is an input large enough to reach any price limit.
var unbounded = new(uint256.Int).Lsh(uint256.NewInt(1), 200)

type tranche struct {
	r         valuation.Range
	sqrtA     *uint256.Int
	sqrtB     *uint256.Int
	liquidity *uint256.Int
}

// Pool is an in-memory concentrated-liquidity pool. It moves price across
// every tranche boundary the way the on-chain pool does. Fees are charged on
// input but not credited to positions.
type Pool struct {
	mu       sync.Mutex
	sqrtP    *uint256.Int
	feePips  uint32
	tranches []*tranche
}

// NewPool opens a pool at sqrtPriceX96.
func NewPool(sqrtPriceX96 *uint256.Int, feePips uint32) (*Pool, error) {
	if sqrtPriceX96.Lt(tickmath.MinSqrtRatio) || sqrtPriceX96.Gt(tickmath.MaxSqrtRatio) {
		return nil, fmt.Errorf("%w: sqrt price %s", tickmath.ErrOutOfRange, sqrtPriceX96.Dec())
	}
	if feePips >= pipsDenominator {
		return nil, fmt.Errorf("fee %d pips", feePips)
	}
	return &Pool{sqrtP: new(uint256.Int).Set(sqrtPriceX96), feePips: feePips}, nil
}

// NewPoolAtTick opens a pool at the price of tick.
func NewPoolAtTick(tick int32, feePips uint32) (*Pool, error) {
	sqrtP, err := tickmath.SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	return NewPool(sqrtP, feePips)
}

func (p *Pool) SqrtPriceX96() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.sqrtP)
}

// Tick is the tick whose price is at or below spot.
func (p *Pool) Tick() (int32, error) {
	return tickmath.TickAtSqrtRatio(p.SqrtPriceX96())
}

func (p *Pool) FeePips() uint32 { return p.feePips }

// setSqrtPrice reverts spot after a rejected swap. Swaps never change tranches.
func (p *Pool) setSqrtPrice(sqrtP *uint256.Int) {
	p.mu.Lock()
	p.sqrtP = new(uint256.Int).Set(sqrtP)
	p.mu.Unlock()
}

func (p *Pool) find(r valuation.Range) *tranche {
	for _, t := range p.tranches {
		if t.r == r {
			return t
		}
	}
	return nil
}

// Mint adds liquidity over r and returns the tokens it absorbs at spot.
func (p *Pool) Mint(r valuation.Range, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sqrtA, sqrtB, err := r.SqrtRatios()
	if err != nil {
		return nil, nil, err
	}
	a0, a1, err := valuation.AmountsForSqrtLiquidity(p.sqrtP, sqrtA, sqrtB, liquidity)
	if err != nil {
		return nil, nil, err
	}
	if t := p.find(r); t != nil {
		t.liquidity.Add(t.liquidity, liquidity)
	} else {
		p.tranches = append(p.tranches, &tranche{r: r, sqrtA: sqrtA, sqrtB: sqrtB, liquidity: new(uint256.Int).Set(liquidity)})
	}
	return a0, a1, nil
}

// Burn removes liquidity over r and returns the tokens it releases at spot.
func (p *Pool) Burn(r valuation.Range, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.find(r)
	if t == nil || t.liquidity.Lt(liquidity) {
		return nil, nil, fmt.Errorf("%w: [%d, %d]", ErrNoLiquidity, r.Lower, r.Upper)
	}
	a0, a1, err := valuation.AmountsForSqrtLiquidity(p.sqrtP, t.sqrtA, t.sqrtB, liquidity)
	if err != nil {
		return nil, nil, err
	}
	t.liquidity.Sub(t.liquidity, liquidity)
	return a0, a1, nil
}

// activeLiquidity sums the tranches that price a move from spot in the given direction.
func (p *Pool) activeLiquidity(zeroForOne bool) *uint256.Int {
	total := new(uint256.Int)
	for _, t := range p.tranches {
		var active bool
		if zeroForOne {
			active = t.sqrtA.Lt(p.sqrtP) && !t.sqrtB.Lt(p.sqrtP)
		} else {
			active = !t.sqrtA.Gt(p.sqrtP) && t.sqrtB.Gt(p.sqrtP)
		}
		if active {
			total.Add(total, t.liquidity)
		}
	}
	return total
}

// nextBoundary is the closest tranche bound strictly past spot, bounded by limit.
func (p *Pool) nextBoundary(zeroForOne bool, limit *uint256.Int) *uint256.Int {
	next := new(uint256.Int).Set(limit)
	for _, t := range p.tranches {
		for _, b := range []*uint256.Int{t.sqrtA, t.sqrtB} {
			if zeroForOne && b.Lt(p.sqrtP) && b.Gt(next) {
				next.Set(b)
			}
			if !zeroForOne && b.Gt(p.sqrtP) && b.Lt(next) {
				next.Set(b)
			}
		}
	}
	return next
}

// Swap sells up to amountIn, stopping at sqrtPriceLimitX96. It returns the
// input consumed including fees and the output paid.
func (p *Pool) Swap(zeroForOne bool, amountIn, sqrtPriceLimitX96 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := sqrtPriceLimitX96
	if limit == nil {
		if zeroForOne {
			limit = tickmath.MinSqrtRatio
		} else {
			limit = tickmath.MaxSqrtRatio
		}
	}
	if zeroForOne && limit.Gt(p.sqrtP) || !zeroForOne && limit.Lt(p.sqrtP) {
		return nil, nil, fmt.Errorf("%w: limit %s spot %s", ErrPriceLimit, limit.Dec(), p.sqrtP.Dec())
	}

	remaining := new(uint256.Int).Set(amountIn)
	out := new(uint256.Int)

	for !remaining.IsZero() && !p.sqrtP.Eq(limit) {
		target := p.nextBoundary(zeroForOne, limit)
		liquidity := p.activeLiquidity(zeroForOne)
		if liquidity.IsZero() {
			p.sqrtP = target
			continue
		}

		next, in, paid, fee, err := utils.ComputeSwapStep(p.sqrtP.ToBig(), target.ToBig(), liquidity.ToBig(), remaining.ToBig(), constants.FeeAmount(p.feePips))
		if err != nil {
			return nil, nil, fmt.Errorf("swap step: %w", err)
		}
		used, overflow := uint256.FromBig(in.Add(in, fee))
		if overflow || used.Gt(remaining) {
			used = new(uint256.Int).Set(remaining)
		}
		paidOut, overflow := uint256.FromBig(paid)
		if overflow {
			return nil, nil, fmt.Errorf("%w: swap output", tickmath.ErrOverflow)
		}
		nextP, overflow := uint256.FromBig(next)
		if overflow {
			return nil, nil, fmt.Errorf("%w: sqrt price", tickmath.ErrOverflow)
		}

		remaining.Sub(remaining, used)
		out.Add(out, paidOut)
		p.sqrtP = nextP
	}
	return new(uint256.Int).Sub(amountIn, remaining), out, nil
}

// SwapToSqrtPrice moves spot to target and returns the input and output.
func (p *Pool) SwapToSqrtPrice(target *uint256.Int) (zeroForOne bool, in, out *uint256.Int, err error) {
	zeroForOne = target.Lt(p.SqrtPriceX96())
	in, out, err = p.Swap(zeroForOne, unbounded, target)
	return zeroForOne, in, out, err
}

// MoveToTick swaps spot to the price of tick.
func (p *Pool) MoveToTick(tick int32) (zeroForOne bool, in, out *uint256.Int, err error) {
	target, err := tickmath.SqrtRatioAtTick(tick)
	if err != nil {
		return false, nil, nil, err
	}
	return p.SwapToSqrtPrice(target)
}
