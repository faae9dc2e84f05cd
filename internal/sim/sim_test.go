package sim

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

var (
	ether     = uint256.NewInt(1_000_000_000_000_000_000)
	fullRange = valuation.Range{Lower: -887220, Upper: 887220}
)

func newMarket(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPoolAtTick(0, 3000)
	require.NoError(t, err)
	_, _, err = pool.Mint(fullRange, new(uint256.Int).Mul(uint256.NewInt(1000), ether))
	require.NoError(t, err)
	return pool
}

func TestMintBurnRoundTrip(t *testing.T) {
	pool := newMarket(t)
	r := valuation.Range{Lower: -600, Upper: 600}

	m0, m1, err := pool.Mint(r, ether)
	require.NoError(t, err)
	b0, b1, err := pool.Burn(r, ether)
	require.NoError(t, err)
	assert.Equal(t, m0, b0)
	assert.Equal(t, m1, b1)

	_, _, err = pool.Burn(r, ether)
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestSwapMovesPrice(t *testing.T) {
	pool := newMarket(t)
	before := pool.SqrtPriceX96()

	in, out, err := pool.Swap(true, ether, nil)
	require.NoError(t, err)
	assert.Equal(t, ether, in)
	assert.False(t, out.IsZero())
	assert.True(t, out.Lt(ether))
	assert.True(t, pool.SqrtPriceX96().Lt(before))

	_, _, err = pool.Swap(true, ether, tickmath.MaxSqrtRatio)
	assert.ErrorIs(t, err, ErrPriceLimit)
}

func TestMoveToTickLandsOnTick(t *testing.T) {
	pool := newMarket(t)

	zeroForOne, in, out, err := pool.MoveToTick(120)
	require.NoError(t, err)
	assert.False(t, zeroForOne)
	assert.False(t, in.IsZero())
	assert.False(t, out.IsZero())

	tick, err := pool.Tick()
	require.NoError(t, err)
	assert.Equal(t, int32(120), tick)
}

func TestOraclePin(t *testing.T) {
	ctx := context.Background()
	pool := newMarket(t)
	oracle := NewOracle(pool, 0x20)
	require.NoError(t, oracle.Pin())

	_, _, _, err := pool.MoveToTick(300)
	require.NoError(t, err)

	obs, err := oracle.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), obs.Tick)
	assert.Equal(t, uint8(0x20), obs.SafetyFlags)

	oracle.Unpin()
	obs, err = oracle.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(300), obs.Tick)
}

func TestPortfolioOpenKeepsValue(t *testing.T) {
	pool := newMarket(t)
	k := NewPortfolio(pool, ether, ether)

	before, err := k.Value(pool.SqrtPriceX96())
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000_000_000_000), before.Uint64())

	require.NoError(t, k.Open(rebalance.Lower, valuation.Range{Lower: -600, Upper: 600}, ether))

	snap, err := k.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Lower.Liquidity.IsZero())
	assert.False(t, snap.Lower.Liquidity.Gt(ether))
	assert.True(t, snap.Immediate.Token0.Lt(ether))

	after, err := k.Value(pool.SqrtPriceX96())
	require.NoError(t, err)
	assert.InDelta(t, float64(before.Uint64()), float64(after.Uint64()), 10)
}

func TestPortfolioRejectsExpiredAndSlippedOrders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := newMarket(t)
	k := NewPortfolio(pool, ether, ether, WithClock(func() time.Time { return now }))

	_, err := k.Execute(ctx, rebalance.Instruction{
		Kind:     rebalance.DepositPassive,
		Amount0:  uint256.NewInt(1),
		Deadline: now.Add(-time.Second),
	})
	assert.ErrorIs(t, err, rebalance.ErrDeadlineExpired)

	before := pool.SqrtPriceX96()
	_, err = k.Execute(ctx, rebalance.Instruction{
		Kind:       rebalance.Swap,
		ZeroForOne: true,
		AmountIn:   new(uint256.Int).Div(ether, uint256.NewInt(10)),
		MinOut:     ether,
	})
	assert.ErrorIs(t, err, rebalance.ErrSlippageExceeded)
	assert.Equal(t, before, pool.SqrtPriceX96())

	snap, err := k.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ether, snap.Immediate.Token0)
	assert.Equal(t, ether, snap.Immediate.Token1)

	_, err = k.Execute(ctx, rebalance.Instruction{
		Kind:    rebalance.WithdrawPassive,
		Amount0: uint256.NewInt(1),
	})
	assert.ErrorIs(t, err, rebalance.ErrInsufficientBalance)
}
