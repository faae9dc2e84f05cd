package sim

import (
	"context"
	"sync"

	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/tickmath"
)

// Oracle reads the pool's spot price. Pin freezes the reading, which stands in
// for a time-weighted average an attacker cannot move within one block.
type Oracle struct {
	Pool  *Pool
	Flags uint8

	mu     sync.Mutex
	pinned *rebalance.Observation
}

func NewOracle(pool *Pool, flags uint8) *Oracle {
	return &Oracle{Pool: pool, Flags: flags}
}

func (o *Oracle) current() (rebalance.Observation, error) {
	sqrtP := o.Pool.SqrtPriceX96()
	tick, err := tickmath.TickAtSqrtRatio(sqrtP)
	if err != nil {
		return rebalance.Observation{}, err
	}
	return rebalance.Observation{Tick: tick, SqrtPriceX96: sqrtP, SafetyFlags: o.Flags}, nil
}

// Pin freezes the observation at the current spot price.
func (o *Oracle) Pin() error {
	obs, err := o.current()
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.pinned = &obs
	o.mu.Unlock()
	return nil
}

// PinAt freezes the observation at tick regardless of spot.
func (o *Oracle) PinAt(tick int32) error {
	sqrtP, err := tickmath.SqrtRatioAtTick(tick)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.pinned = &rebalance.Observation{Tick: tick, SqrtPriceX96: sqrtP}
	o.mu.Unlock()
	return nil
}

func (o *Oracle) Unpin() {
	o.mu.Lock()
	o.pinned = nil
	o.mu.Unlock()
}

func (o *Oracle) Observe(ctx context.Context) (rebalance.Observation, error) {
	o.mu.Lock()
	pinned := o.pinned
	o.mu.Unlock()
	if pinned != nil {
		obs := *pinned
		obs.SafetyFlags = o.Flags
		return obs, nil
	}
	return o.current()
}
