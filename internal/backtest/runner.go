package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityKeeper/internal/impact"
	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/sim"
	"liquidityKeeper/internal/storage"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// allChecksPass is the oracle flag set of a healthy observation.
const allChecksPass = 0xff

// Config holds runtime settings for a replay.
type Config struct {
	Run      string
	Initial0 *uint256.Int
	Initial1 *uint256.Int
	// MarketLiquidity is full-range liquidity owned by other LPs; zero means
	// impact.UtilityLiquidity.
	MarketLiquidity *uint256.Int
	// PassiveYieldD grows the passive reserve each step, in units of D.
	PassiveYieldD uint64
	MaxIterations int
	// BlockTime converts block distance into the clock the controller sees.
	BlockTime time.Duration
	// FlushEvery batches rows written to the sink; zero writes each step.
	FlushEvery int
}

// Summary aggregates a finished replay.
type Summary struct {
	Steps      int   `json:"steps"`
	Rebalances int   `json:"rebalances"`
	Failures   int   `json:"failures"`
	Deferred   int   `json:"deferred"`
	FirstTick  int32 `json:"first_tick"`
	LastTick   int32 `json:"last_tick"`
	// FinalCapital and HoldCapital are in token1 at the last price: the
	// managed portfolio against simply holding the initial tokens.
	FinalCapital *uint256.Int `json:"final_capital"`
	HoldCapital  *uint256.Int `json:"hold_capital"`
}

// Runner replays a price series through the controller.
type Runner struct {
	cfg    Config
	params params.Store
	sink   storage.StepSink
	logger *zap.Logger
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg Config, store params.Store, sink storage.StepSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 12 * time.Second
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	return &Runner{cfg: cfg, params: store, sink: sink, logger: logger}
}

// Run moves the pool and the oracle to every price in turn and lets the
// controller correct the portfolio after each move.
func (r *Runner) Run(ctx context.Context, prices []PricePoint) (Summary, error) {
	if len(prices) == 0 {
		return Summary{}, ErrNoPrices
	}
	if r.params == nil {
		return Summary{}, fmt.Errorf("params store is nil")
	}
	p, err := r.params.Latest(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load params: %w", err)
	}

	genesis := time.Unix(0, 0).UTC()
	now := genesis
	clock := func() time.Time { return now }

	pool, err := sim.NewPoolAtTick(prices[0].Tick, p.Trading.FeePips)
	if err != nil {
		return Summary{}, err
	}
	market := r.cfg.MarketLiquidity
	if market == nil || market.IsZero() {
		market = impact.UtilityLiquidity
	}
	if _, _, err := pool.Mint(impact.UtilityRange, market); err != nil {
		return Summary{}, fmt.Errorf("seed market liquidity: %w", err)
	}
	oracle := sim.NewOracle(pool, allChecksPass)
	portfolio := sim.NewPortfolio(pool, r.cfg.Initial0, r.cfg.Initial1, sim.WithClock(clock))
	controller := rebalance.NewController(r.params, oracle, portfolio, portfolio,
		rebalance.WithClock(clock),
		rebalance.WithLogger(r.logger.Named("controller")),
	)

	summary := Summary{FirstTick: prices[0].Tick}
	var lastRebalance time.Time
	rows := make([]model.StepRow, 0, r.cfg.FlushEvery)
	flush := func() error {
		if r.sink == nil || len(rows) == 0 {
			rows = rows[:0]
			return nil
		}
		if err := r.sink.PutSteps(ctx, rows); err != nil {
			return fmt.Errorf("store steps: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for i, pt := range prices {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		now = genesis.Add(time.Duration(pt.Block-prices[0].Block) * r.cfg.BlockTime)

		if _, _, _, err := pool.MoveToTick(pt.Tick); err != nil {
			return summary, fmt.Errorf("step %d: move pool: %w", i, err)
		}
		if err := oracle.PinAt(pt.Tick); err != nil {
			return summary, fmt.Errorf("step %d: pin oracle: %w", i, err)
		}
		if r.cfg.PassiveYieldD > 0 {
			portfolio.AccruePassive(r.cfg.PassiveYieldD)
		}

		report, err := controller.Rebalance(ctx, rebalance.Request{
			MaxIterations: r.cfg.MaxIterations,
			LastRebalance: lastRebalance,
		})
		switch {
		case errors.Is(err, rebalance.ErrTooSoon):
			summary.Deferred++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return summary, err
		case err != nil:
			summary.Failures++
			r.logger.Warn("step failed", zap.Int("step", i), zap.Uint64("block", pt.Block), zap.Error(err))
		}
		if report.Moved() {
			summary.Rebalances++
			lastRebalance = now
		}

		row, err := r.stepRow(ctx, i, pt, portfolio, report)
		if err != nil {
			return summary, fmt.Errorf("step %d: %w", i, err)
		}
		rows = append(rows, row)
		if len(rows) >= r.cfg.FlushEvery {
			if err := flush(); err != nil {
				return summary, err
			}
		}
		summary.Steps++
		summary.LastTick = pt.Tick
	}
	if err := flush(); err != nil {
		return summary, err
	}

	last := prices[len(prices)-1]
	if summary.FinalCapital, err = portfolio.Value(last.SqrtPriceX96); err != nil {
		return summary, err
	}
	priceX96, err := tickmath.PriceX96(last.SqrtPriceX96)
	if err != nil {
		return summary, err
	}
	hold := rebalance.NewBalances(r.cfg.Initial0, r.cfg.Initial1)
	if summary.HoldCapital, err = valuation.Value(hold.Token0, hold.Token1, priceX96); err != nil {
		return summary, err
	}

	r.logger.Info("backtest complete",
		zap.String("run", r.cfg.Run),
		zap.Int("steps", summary.Steps),
		zap.Int("rebalances", summary.Rebalances),
		zap.Int("failures", summary.Failures),
		zap.String("final_capital", summary.FinalCapital.Dec()),
		zap.String("hold_capital", summary.HoldCapital.Dec()),
	)
	return summary, nil
}

func (r *Runner) stepRow(ctx context.Context, step int, pt PricePoint, portfolio *sim.Portfolio, report rebalance.Report) (model.StepRow, error) {
	snap, err := portfolio.Snapshot(ctx)
	if err != nil {
		return model.StepRow{}, err
	}
	capital, err := portfolio.Value(pt.SqrtPriceX96)
	if err != nil {
		return model.StepRow{}, err
	}
	row := model.StepRow{
		Run:            r.cfg.Run,
		Step:           step,
		Block:          pt.Block,
		Tick:           pt.Tick,
		Price:          pt.Price.String(),
		State:          report.State.String(),
		Axis:           report.Axis.String(),
		Iterations:     report.Iterations,
		Converged:      report.Converged,
		Immediate0:     snap.Immediate.Token0.Dec(),
		Immediate1:     snap.Immediate.Token1.Dec(),
		Passive0:       snap.Passive.Token0.Dec(),
		Passive1:       snap.Passive.Token1.Dec(),
		LowerTickLower: snap.Lower.Range.Lower,
		LowerTickUpper: snap.Lower.Range.Upper,
		LowerLiquidity: snap.Lower.Liquidity.Dec(),
		UpperTickLower: snap.Upper.Range.Lower,
		UpperTickUpper: snap.Upper.Range.Upper,
		UpperLiquidity: snap.Upper.Liquidity.Dec(),
		Capital:        capital.Dec(),
	}
	if report.Err != nil {
		row.Error = report.Err.Error()
	}
	return row, nil
}
