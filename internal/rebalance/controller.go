package rebalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/valuation"
)

// DefaultMaxIterations bounds corrective passes when the request leaves it unset.
const DefaultMaxIterations = 8

// Controller drives the rebalance state machine against one portfolio.
type Controller struct {
	params    params.Store
	oracle    Oracle
	portfolio Portfolio
	executor  Executor
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Controller)

// WithClock replaces time.Now, for deterministic deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func NewController(store params.Store, oracle Oracle, portfolio Portfolio, executor Executor, opts ...Option) *Controller {
	c := &Controller{
		params:    store,
		oracle:    oracle,
		portfolio: portfolio,
		executor:  executor,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request parameterises one invocation.
type Request struct {
	// MaxIterations caps corrective passes; zero means DefaultMaxIterations.
	MaxIterations int
	// LastRebalance is when capital last moved; zero means never.
	LastRebalance time.Time
	// DryRun stops after planning the first correction.
	DryRun bool
}

// Report describes how an invocation went.
type Report struct {
	State         State         `json:"state"`
	Axis          Axis          `json:"axis"`
	Converged     bool          `json:"converged"`
	Iterations    int           `json:"iterations"`
	ParamsVersion uint64        `json:"params_version"`
	Observation   Observation   `json:"observation"`
	Transitions   []State       `json:"transitions"`
	Evaluations   []Evaluation  `json:"evaluations"`
	Instructions  []Instruction `json:"instructions"`
	Fills         []Fill        `json:"fills"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Err           error         `json:"-"`
}

// Moved reports whether any capital moved.
func (r Report) Moved() bool { return len(r.Fills) > 0 }

func (r *Report) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Rebalance evaluates the portfolio and, while an axis stays breached,
// plans and executes corrections. The error is non-nil exactly when the
// report ends in Failed.
func (c *Controller) Rebalance(ctx context.Context, req Request) (Report, error) {
	report := Report{StartedAt: c.now()}
	logger := c.logger

	p, err := c.params.Latest(ctx)
	if err != nil {
		return c.fail(&report, NoAxis, fmt.Errorf("load params: %w", err))
	}
	report.ParamsVersion = p.Version
	logger = logger.With(zap.Uint64("params_version", p.Version))

	obs, err := c.oracle.Observe(ctx)
	if err != nil {
		return c.fail(&report, NoAxis, fmt.Errorf("observe oracle: %w", err))
	}
	report.Observation = obs
	if mask := p.Safety.OracleSafetyMask; obs.SafetyFlags&mask != mask {
		return c.fail(&report, NoAxis, fmt.Errorf("%w: flags %08b, required %08b", ErrOracleUnsafe, obs.SafetyFlags, mask))
	}
	_, priceX96, err := oraclePrice(obs)
	if err != nil {
		return c.fail(&report, NoAxis, err)
	}
	logger = logger.With(zap.Int32("oracle_tick", obs.Tick))

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	deadline := report.StartedAt.Add(p.Safety.RebalanceDeadline)

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return c.fail(&report, report.Axis, err)
		}
		snap, err := c.portfolio.Snapshot(ctx)
		if err != nil {
			return c.fail(&report, report.Axis, fmt.Errorf("snapshot: %w", err))
		}
		ev, err := Evaluate(p, obs, snap)
		if err != nil {
			return c.fail(&report, report.Axis, fmt.Errorf("evaluate: %w", err))
		}
		report.Evaluations = append(report.Evaluations, ev)

		if ev.Axis == NoAxis {
			report.enter(Balanced)
			report.Axis = NoAxis
			report.Converged = true
			return c.finish(&report, logger)
		}
		report.enter(ev.State())
		report.Axis = ev.Axis
		logger.Debug("axis breached",
			zap.Stringer("axis", ev.Axis),
			zap.Uint64("capital_deviation_d", ev.CapitalDeviationD),
			zap.Uint64("token_deviation_d", ev.TokenDeviationD),
			zap.Uint64("liquidity_deviation_d", ev.LiquidityDeviationD),
			zap.Bool("roll", ev.Roll),
		)

		if iteration >= maxIterations {
			logger.Warn("iteration cap reached", zap.Int("iterations", iteration))
			return c.finish(&report, logger)
		}
		if iteration == 0 && !req.LastRebalance.IsZero() && p.Strategy.MinRebalanceInterval > 0 {
			if elapsed := report.StartedAt.Sub(req.LastRebalance); elapsed < p.Strategy.MinRebalanceInterval {
				return c.fail(&report, ev.Axis, fmt.Errorf("%w: %s since last rebalance, need %s",
					ErrTooSoon, elapsed, p.Strategy.MinRebalanceInterval))
			}
		}

		plan, err := Plan(p, obs, snap, ev, c.now())
		if err != nil {
			return c.fail(&report, ev.Axis, err)
		}
		report.Instructions = append(report.Instructions, plan...)
		if req.DryRun || len(plan) == 0 {
			return c.finish(&report, logger)
		}

		report.enter(Executing)
		for _, ins := range plan {
			if c.now().After(deadline) {
				return c.fail(&report, ev.Axis, fmt.Errorf("%w: %s", ErrDeadlineExpired, ins.Kind))
			}
			fill, err := c.executor.Execute(ctx, ins)
			if err != nil {
				return c.fail(&report, ev.Axis, fmt.Errorf("execute %s: %w", ins.Kind, err))
			}
			if err := checkFill(ins, fill, priceX96); err != nil {
				return c.fail(&report, ev.Axis, err)
			}
			report.Fills = append(report.Fills, fill)
			logger.Debug("instruction filled",
				zap.Stringer("kind", ins.Kind),
				zap.Stringer("position", ins.Position),
			)
		}
		report.Iterations++
	}
}

// checkFill rejects fills worse than the instruction's oracle-derived minimum.
func checkFill(ins Instruction, fill Fill, priceX96 *uint256.Int) error {
	switch ins.Kind {
	case Swap:
		if ins.MinOut == nil {
			return nil
		}
		if fill.AmountOut == nil || fill.AmountOut.Lt(ins.MinOut) {
			return fmt.Errorf("%w: swap returned %s, minimum %s", ErrSlippageExceeded, orZero(fill.AmountOut).Dec(), ins.MinOut.Dec())
		}
	case DecreaseLiquidity:
		if ins.MinValue == nil {
			return nil
		}
		value, err := valuation.Value(orZero(fill.Amount0), orZero(fill.Amount1), priceX96)
		if err != nil {
			return err
		}
		if value.Lt(ins.MinValue) {
			return fmt.Errorf("%w: %s position returned value %s, minimum %s", ErrSlippageExceeded, ins.Position, value.Dec(), ins.MinValue.Dec())
		}
	}
	return nil
}

func (c *Controller) finish(report *Report, logger *zap.Logger) (Report, error) {
	report.FinishedAt = c.now()
	logger.Info("rebalance finished",
		zap.Stringer("state", report.State),
		zap.Stringer("axis", report.Axis),
		zap.Bool("converged", report.Converged),
		zap.Int("iterations", report.Iterations),
		zap.Int("instructions", len(report.Instructions)),
	)
	return *report, nil
}

func (c *Controller) fail(report *Report, axis Axis, err error) (Report, error) {
	failure := &FailedError{Axis: axis, Err: err}
	report.enter(Failed)
	report.Axis = axis
	report.Err = failure
	report.FinishedAt = c.now()

	level := c.logger.Warn
	if errors.Is(err, ErrTooSoon) {
		level = c.logger.Info
	}
	level("rebalance failed",
		zap.Stringer("axis", axis),
		zap.Uint64("params_version", report.ParamsVersion),
		zap.Error(err),
	)
	return *report, failure
}
