package backtest

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/rebalance"
)

var ether = uint256.NewInt(1_000_000_000_000_000_000)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), ether)
}

type memorySink struct {
	mu      sync.Mutex
	batches int
	rows    []model.StepRow
}

func (s *memorySink) PutSteps(ctx context.Context, rows []model.StepRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.rows = append(s.rows, rows...)
	return nil
}

func series(t *testing.T, prices ...string) []PricePoint {
	t.Helper()
	out := make([]PricePoint, 0, len(prices))
	for i, raw := range prices {
		pt, err := NewPricePoint(uint64(1000+i*300), decimal.RequireFromString(raw))
		require.NoError(t, err)
		out = append(out, pt)
	}
	return out
}

func TestReadPrices(t *testing.T) {
	input := "block,price\n100,1\n\n101; 4\n# comment\n102\t0.25\n"
	got, err := ReadPrices(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, uint64(100), got[0].Block)
	assert.Equal(t, int32(0), got[0].Tick)
	assert.Equal(t, int32(13863), got[1].Tick)
	assert.Equal(t, int32(-13864), got[2].Tick)
	assert.True(t, got[1].Price.Equal(decimal.NewFromInt(4)))
}

func TestReadPricesRejects(t *testing.T) {
	cases := map[string]string{
		"negative price":  "1,-2\n",
		"zero price":      "1,0\n",
		"missing price":   "1,1\n2\n",
		"blocks reversed": "5,1\n4,1\n",
		"bad block":       "1,1\nx,1\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadPrices(strings.NewReader(input))
			assert.Error(t, err)
		})
	}

	_, err := ReadPrices(strings.NewReader("block,price\n"))
	assert.True(t, errors.Is(err, ErrNoPrices))
}

func newStore(t *testing.T, mutate func(*params.Params)) *params.MemoryStore {
	t.Helper()
	p := params.Default()
	if mutate != nil {
		mutate(&p)
	}
	store, err := params.NewMemoryStore(p)
	require.NoError(t, err)
	return store
}

func TestRunnerReplay(t *testing.T) {
	sink := &memorySink{}
	runner := NewRunner(Config{
		Run:             "replay",
		Initial0:        tokens(10),
		Initial1:        tokens(10),
		MarketLiquidity: tokens(100_000),
		PassiveYieldD:   1_000,
		FlushEvery:      2,
	}, newStore(t, nil), sink, nil)

	prices := series(t, "1", "1.01", "1.03", "0.98", "1")
	summary, err := runner.Run(context.Background(), prices)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Steps)
	assert.Zero(t, summary.Failures)
	assert.GreaterOrEqual(t, summary.Rebalances, 1)
	assert.Equal(t, prices[0].Tick, summary.FirstTick)
	assert.Equal(t, prices[4].Tick, summary.LastTick)
	assert.False(t, summary.FinalCapital.IsZero())
	assert.Equal(t, tokens(20), summary.HoldCapital)

	require.Len(t, sink.rows, 5)
	assert.Equal(t, 3, sink.batches)
	for i, row := range sink.rows {
		assert.Equal(t, "replay", row.Run)
		assert.Equal(t, i, row.Step)
		assert.Equal(t, prices[i].Tick, row.Tick)
		assert.Empty(t, row.Error)
	}
	assert.Equal(t, rebalance.Balanced.String(), sink.rows[0].State)
	assert.NotEqual(t, "0", sink.rows[0].LowerLiquidity)
}

func TestRunnerDefersWithinMinInterval(t *testing.T) {
	sink := &memorySink{}
	store := newStore(t, func(p *params.Params) {
		p.Strategy.MinRebalanceInterval = time.Hour
	})
	runner := NewRunner(Config{
		Initial0:        tokens(10),
		Initial1:        tokens(10),
		MarketLiquidity: tokens(100_000),
		BlockTime:       time.Second,
	}, store, sink, nil)

	summary, err := runner.Run(context.Background(), series(t, "1", "1.05"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rebalances)
	assert.Equal(t, 1, summary.Deferred)
	assert.Zero(t, summary.Failures)

	require.Len(t, sink.rows, 2)
	assert.Contains(t, sink.rows[1].Error, rebalance.ErrTooSoon.Error())
}

func TestRunnerNeedsPrices(t *testing.T) {
	_, err := NewRunner(Config{}, newStore(t, nil), nil, nil).Run(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoPrices))
}

func TestFromSamples(t *testing.T) {
	samples := []model.PriceSample{
		{Pool: "0xAbC", BlockNumber: 10, SqrtPriceX96: "79228162514264337593543950336", Tick: 0},
		{Pool: "0xdef", BlockNumber: 11, SqrtPriceX96: "1", Tick: -887272},
		{Pool: "0xabc", BlockNumber: 12, SqrtPriceX96: "158456325028528675187087900672", Tick: 13862},
	}
	got, err := FromSamples(samples, "0xABC")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, got[1].Price.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int32(13862), got[1].Tick)

	_, err = FromSamples(samples, "0x999")
	assert.True(t, errors.Is(err, ErrNoPrices))

	_, err = FromSamples([]model.PriceSample{samples[2], samples[0]}, "")
	assert.Error(t, err)
}

func sandwichScenario(shift int32) Scenario {
	return Scenario{
		Params:          params.Default(),
		Tick:            0,
		Initial0:        tokens(10),
		Initial1:        tokens(10),
		Deposit0:        tokens(5),
		TickShift:       shift,
		MarketLiquidity: tokens(100_000),
	}
}

func TestEstimateSandwichWithoutShiftIsNeutral(t *testing.T) {
	report, err := EstimateSandwich(context.Background(), sandwichScenario(0), nil)
	require.NoError(t, err)
	assert.Zero(t, report.VaultLoss.Sign())
	assert.Zero(t, report.AttackerNet.Sign())
	assert.Equal(t, OutcomeSafe, report.Outcome)
	assert.False(t, report.Blocked)
	assert.True(t, report.Rebalance.Moved())
}

func TestEstimateSandwichBlockedBySlippageGuard(t *testing.T) {
	report, err := EstimateSandwich(context.Background(), sandwichScenario(-300), nil)
	require.NoError(t, err)

	assert.True(t, report.Blocked)
	assert.True(t, errors.Is(report.Rebalance.Err, rebalance.ErrSlippageExceeded))
	assert.Equal(t, rebalance.Failed, report.Rebalance.State)

	assert.True(t, report.FrontZeroForOne)
	assert.True(t, report.Estimate.ZeroForOne)
	assert.InEpsilon(t, float(report.Estimate.In()), float(report.FrontIn), 1e-4)
	// the round trip pays the pool fee twice
	assert.Negative(t, report.AttackerNet.Sign())
}

func float(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func TestRunnerRebalancesNeverIncreaseWithThresholds(t *testing.T) {
	// a slow ramp of about one tick per step, inside the range overlap
	var path []PricePoint
	for i := 0; i < 30; i++ {
		pt, err := NewPricePoint(uint64(1000+i*300), decimal.New(int64(10_000+i), -4))
		require.NoError(t, err)
		path = append(path, pt)
	}

	prev := len(path) + 1
	for _, scale := range []uint64{1, 2, 4, 8, 16} {
		store := newStore(t, func(p *params.Params) {
			p.Thresholds.MinCapitalDeviationD *= scale
			p.Thresholds.MinTokenDeviationD *= scale
			p.Thresholds.MinLiquidityDeviationD *= scale
		})
		runner := NewRunner(Config{
			Run:             "thresholds",
			Initial0:        tokens(10),
			Initial1:        tokens(10),
			MarketLiquidity: tokens(100_000),
		}, store, &memorySink{}, nil)

		summary, err := runner.Run(context.Background(), path)
		require.NoError(t, err, "scale %d", scale)
		assert.Equal(t, len(path), summary.Steps, "scale %d", scale)
		assert.LessOrEqual(t, summary.Rebalances, prev, "scale %d", scale)
		prev = summary.Rebalances
	}
}
