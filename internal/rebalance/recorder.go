package rebalance

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
)

// Recorder is an Executor for custody held elsewhere. It keeps every
// instruction and reports the fill the instruction's minimum guarantees.
type Recorder struct {
	mu           sync.Mutex
	instructions []Instruction
}

func (r *Recorder) Execute(ctx context.Context, ins Instruction) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	r.mu.Lock()
	r.instructions = append(r.instructions, ins)
	r.mu.Unlock()

	fill := Fill{Amount0: ins.Amount0, Amount1: ins.Amount1, Liquidity: ins.Liquidity}
	switch ins.Kind {
	case Swap:
		fill.AmountOut = ins.MinOut
	case DecreaseLiquidity:
		fill.Amount0 = new(uint256.Int)
		fill.Amount1 = ins.MinValue
	}
	return fill, nil
}

// Recorded returns the instructions received so far.
func (r *Recorder) Recorded() []Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Instruction(nil), r.instructions...)
}
