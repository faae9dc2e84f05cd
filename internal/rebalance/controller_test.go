package rebalance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/sim"
	"liquidityKeeper/internal/valuation"
)

var (
	ether      = uint256.NewInt(1_000_000_000_000_000_000)
	marketLiq  = new(uint256.Int).Mul(uint256.NewInt(100_000), ether)
	fullRange  = valuation.Range{Lower: -887220, Upper: 887220}
	safeFlags  = uint8(0xff)
	noDeadline = 24 * time.Hour
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), ether)
}

type harness struct {
	pool      *sim.Pool
	oracle    *sim.Oracle
	portfolio *sim.Portfolio
	store     *params.MemoryStore
}

func newHarness(t *testing.T, amount0, amount1 *uint256.Int, mutate func(*params.Params)) *harness {
	t.Helper()
	p := params.Default()
	p.Safety.RebalanceDeadline = noDeadline
	if mutate != nil {
		mutate(&p)
	}
	store, err := params.NewMemoryStore(p)
	require.NoError(t, err)

	pool, err := sim.NewPoolAtTick(0, p.Trading.FeePips)
	require.NoError(t, err)
	_, _, err = pool.Mint(fullRange, marketLiq)
	require.NoError(t, err)

	return &harness{
		pool:      pool,
		oracle:    sim.NewOracle(pool, safeFlags),
		portfolio: sim.NewPortfolio(pool, amount0, amount1),
		store:     store,
	}
}

func (h *harness) controller(opts ...rebalance.Option) *rebalance.Controller {
	return rebalance.NewController(h.store, h.oracle, h.portfolio, h.portfolio, opts...)
}

func TestRebalanceConvergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())
	c := h.controller()

	report, err := c.Rebalance(ctx, rebalance.Request{})
	require.NoError(t, err)
	assert.True(t, report.Converged)
	assert.Equal(t, rebalance.Balanced, report.State)
	assert.Equal(t, rebalance.CapitalRatioBreached, report.Transitions[0])
	assert.Contains(t, report.Transitions, rebalance.Executing)
	assert.True(t, report.Moved())

	snap, err := h.portfolio.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Passive.Token0.IsZero())
	assert.False(t, snap.Lower.Liquidity.IsZero())

	again, err := c.Rebalance(ctx, rebalance.Request{})
	require.NoError(t, err)
	assert.Equal(t, rebalance.Balanced, again.State)
	assert.Empty(t, again.Instructions)
	assert.Equal(t, []rebalance.State{rebalance.Balanced}, again.Transitions)
}

func TestRebalanceCorrectedDeviationShrinks(t *testing.T) {
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())

	report, err := h.controller().Rebalance(context.Background(), rebalance.Request{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(report.Evaluations), 2)

	first := report.Evaluations[0]
	second := report.Evaluations[1]
	assert.Less(t, second.Deviation(first.Axis), first.Deviation(first.Axis))
}

func TestRebalanceOracleUnsafe(t *testing.T) {
	h := newHarness(t, tokens(10), tokens(10), nil)
	h.oracle.Flags = 0x1f

	report, err := h.controller().Rebalance(context.Background(), rebalance.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrOracleUnsafe))
	assert.Equal(t, rebalance.Failed, report.State)
	assert.Empty(t, report.Fills)

	var failed *rebalance.FailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, rebalance.NoAxis, failed.Axis)
}

func TestRebalanceSlippageAgainstOracle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tokens(20), new(uint256.Int), nil)
	require.NoError(t, h.oracle.Pin())

	// token0 gets ~3% cheaper in the pool while the oracle holds.
	_, _, _, err := h.pool.MoveToTick(-300)
	require.NoError(t, err)
	before, err := h.portfolio.Snapshot(ctx)
	require.NoError(t, err)

	report, err := h.controller().Rebalance(ctx, rebalance.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrSlippageExceeded))
	assert.Equal(t, rebalance.Failed, report.State)
	assert.Equal(t, rebalance.CapitalAxis, report.Axis)

	after, err := h.portfolio.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Immediate.Token0, after.Immediate.Token0)
	assert.True(t, after.Immediate.Token1.IsZero())
}

func TestRebalanceDeadlineExpired(t *testing.T) {
	h := newHarness(t, tokens(10), tokens(10), func(p *params.Params) {
		p.Safety.RebalanceDeadline = 10 * time.Minute
	})
	require.NoError(t, h.oracle.Pin())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(20 * time.Minute)
		return now
	}

	report, err := h.controller(rebalance.WithClock(clock)).Rebalance(context.Background(), rebalance.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrDeadlineExpired))
	assert.Equal(t, rebalance.Failed, report.State)
	assert.Empty(t, report.Fills)
}

func TestRebalanceInsufficientBalance(t *testing.T) {
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())
	empty := sim.NewPortfolio(h.pool, nil, nil)

	c := rebalance.NewController(h.store, h.oracle, h.portfolio, empty)
	report, err := c.Rebalance(context.Background(), rebalance.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrInsufficientBalance))
	assert.Equal(t, rebalance.Failed, report.State)

	var failed *rebalance.FailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, rebalance.CapitalAxis, failed.Axis)
}

func TestRebalanceIterationCap(t *testing.T) {
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())
	recorder := &rebalance.Recorder{}

	c := rebalance.NewController(h.store, h.oracle, h.portfolio, recorder)
	report, err := c.Rebalance(context.Background(), rebalance.Request{MaxIterations: 3})
	require.NoError(t, err)
	assert.False(t, report.Converged)
	assert.Equal(t, rebalance.CapitalRatioBreached, report.State)
	assert.Equal(t, 3, report.Iterations)
	assert.Len(t, report.Evaluations, 4)
	assert.Len(t, recorder.Recorded(), len(report.Instructions))
}

func TestRebalanceDryRunPlansOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())

	report, err := h.controller().Rebalance(ctx, rebalance.Request{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, rebalance.CapitalRatioBreached, report.State)
	assert.NotEmpty(t, report.Instructions)
	assert.False(t, report.Moved())

	snap, err := h.portfolio.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokens(10), snap.Immediate.Token0)
}

func TestRebalanceMinInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tokens(10), tokens(10), func(p *params.Params) {
		p.Strategy.MinRebalanceInterval = time.Hour
	})
	require.NoError(t, h.oracle.Pin())
	c := h.controller()

	report, err := c.Rebalance(ctx, rebalance.Request{LastRebalance: time.Now().Add(-time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrTooSoon))
	assert.Empty(t, report.Fills)

	_, err = c.Rebalance(ctx, rebalance.Request{LastRebalance: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)

	balanced, err := c.Rebalance(ctx, rebalance.Request{LastRebalance: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, rebalance.Balanced, balanced.State)
}

func TestRebalanceRollsDriftedPositions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tokens(10), tokens(10), nil)
	require.NoError(t, h.oracle.Pin())
	_, err := h.controller().Rebalance(ctx, rebalance.Request{})
	require.NoError(t, err)

	_, _, _, err = h.pool.MoveToTick(500)
	require.NoError(t, err)
	require.NoError(t, h.oracle.Pin())

	report, err := h.controller().Rebalance(ctx, rebalance.Request{})
	require.NoError(t, err)
	assert.Equal(t, rebalance.LiquidityRatioBreached, report.Transitions[0])
	assert.True(t, report.Evaluations[0].Roll)
	assert.Equal(t, rebalance.Balanced, report.State)

	var rolls int
	for _, ins := range report.Instructions {
		if ins.Kind == rebalance.Roll {
			rolls++
		}
	}
	assert.Equal(t, 2, rolls)

	snap, err := h.portfolio.Snapshot(ctx)
	require.NoError(t, err)
	wantLower, wantUpper, err := ratio.Layout(report.Observation.Tick, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, wantLower, snap.Lower.Range)
	assert.Equal(t, wantUpper, snap.Upper.Range)
}
