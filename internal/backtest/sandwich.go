package backtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityKeeper/internal/impact"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/sim"
	"liquidityKeeper/internal/tickmath"
)

// Scenario is a sandwich around one forced rebalance. The portfolio is
// balanced at Tick, receives a deposit, and the attacker moves the pool by
// TickShift before the keeper corrects the deposit.
type Scenario struct {
	Params          params.Params
	Tick            int32
	Initial0        *uint256.Int
	Initial1        *uint256.Int
	Deposit0        *uint256.Int
	Deposit1        *uint256.Int
	TickShift       int32
	MarketLiquidity *uint256.Int
}

// Outcome classifies a sandwich by who ended up paying.
type Outcome string

const (
	OutcomeSafe        Outcome = "safe"
	OutcomeVaultLoss   Outcome = "vault_loss"
	OutcomeStolen      Outcome = "stolen"
	OutcomeUnexplained Outcome = "unexplained_profit"
)

// SandwichReport compares the attacked run with the same run left alone.
// Values are in token1 at the oracle price.
type SandwichReport struct {
	// Estimate is what moving the pool by TickShift should cost.
	Estimate impact.Shift `json:"estimate"`

	FrontZeroForOne bool         `json:"front_zero_for_one"`
	FrontIn         *uint256.Int `json:"front_in"`
	FrontOut        *uint256.Int `json:"front_out"`
	BackIn          *uint256.Int `json:"back_in"`
	BackOut         *uint256.Int `json:"back_out"`

	BaselineValue *uint256.Int `json:"baseline_value"`
	AttackedValue *uint256.Int `json:"attacked_value"`
	// VaultLoss is baseline minus attacked, negative when the attack helped.
	VaultLoss   *big.Int `json:"vault_loss"`
	AttackerNet *big.Int `json:"attacker_net"`

	Rebalance rebalance.Report `json:"rebalance"`
	// Blocked is set when the slippage guard refused the manipulated trade.
	Blocked bool    `json:"blocked"`
	Outcome Outcome `json:"outcome"`
}

type sandwichRun struct {
	value     *uint256.Int
	estimate  impact.Shift
	frontZF   bool
	frontIn   *uint256.Int
	frontOut  *uint256.Int
	backIn    *uint256.Int
	backOut   *uint256.Int
	rebalance rebalance.Report
	err       error
}

// EstimateSandwich plays sc twice, once with the attacker's shift and once
// without, and reports the difference.
func EstimateSandwich(ctx context.Context, sc Scenario, logger *zap.Logger) (SandwichReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := params.NewMemoryStore(sc.Params)
	if err != nil {
		return SandwichReport{}, err
	}

	baseline, err := playSandwich(ctx, store, sc, 0, logger.Named("baseline"))
	if err != nil {
		return SandwichReport{}, fmt.Errorf("baseline: %w", err)
	}
	attacked, err := playSandwich(ctx, store, sc, sc.TickShift, logger.Named("attacked"))
	if err != nil {
		return SandwichReport{}, fmt.Errorf("attacked: %w", err)
	}

	priceX96, err := tickmath.PriceX96AtTick(sc.Tick)
	if err != nil {
		return SandwichReport{}, err
	}
	d0, d1 := legDelta(attacked.frontZF, attacked.frontIn, attacked.frontOut)
	b0, b1 := legDelta(!attacked.frontZF, attacked.backIn, attacked.backOut)
	d0.Add(d0, b0)
	d1.Add(d1, b1)
	net := new(big.Int).Mul(d0, priceX96.ToBig())
	net.Quo(net, tickmath.Q96.ToBig())
	net.Add(net, d1)

	report := SandwichReport{
		Estimate:        attacked.estimate,
		FrontZeroForOne: attacked.frontZF,
		FrontIn:         attacked.frontIn,
		FrontOut:        attacked.frontOut,
		BackIn:          attacked.backIn,
		BackOut:         attacked.backOut,
		BaselineValue:   baseline.value,
		AttackedValue:   attacked.value,
		VaultLoss:       new(big.Int).Sub(baseline.value.ToBig(), attacked.value.ToBig()),
		AttackerNet:     net,
		Rebalance:       attacked.rebalance,
		Blocked:         errors.Is(attacked.err, rebalance.ErrSlippageExceeded),
	}
	lpDown := report.VaultLoss.Sign() > 0
	profit := report.AttackerNet.Sign() > 0
	switch {
	case lpDown && profit:
		report.Outcome = OutcomeStolen
	case lpDown:
		report.Outcome = OutcomeVaultLoss
	case profit:
		report.Outcome = OutcomeUnexplained
	default:
		report.Outcome = OutcomeSafe
	}

	logger.Info("sandwich estimated",
		zap.Int32("tick", sc.Tick),
		zap.Int32("tick_shift", sc.TickShift),
		zap.Bool("blocked", report.Blocked),
		zap.String("vault_loss", report.VaultLoss.String()),
		zap.String("attacker_net", report.AttackerNet.String()),
		zap.String("outcome", string(report.Outcome)),
	)
	return report, nil
}

// legDelta is the attacker's signed token change over one swap.
func legDelta(zeroForOne bool, in, out *uint256.Int) (*big.Int, *big.Int) {
	paid := new(big.Int).Neg(orZero(in).ToBig())
	got := orZero(out).ToBig()
	if zeroForOne {
		return paid, got
	}
	return got, paid
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func playSandwich(ctx context.Context, store params.Store, sc Scenario, shift int32, logger *zap.Logger) (sandwichRun, error) {
	p, err := store.Latest(ctx)
	if err != nil {
		return sandwichRun{}, err
	}
	pool, err := sim.NewPoolAtTick(sc.Tick, p.Trading.FeePips)
	if err != nil {
		return sandwichRun{}, err
	}
	market := sc.MarketLiquidity
	if market == nil || market.IsZero() {
		market = impact.UtilityLiquidity
	}
	if _, _, err := pool.Mint(impact.UtilityRange, market); err != nil {
		return sandwichRun{}, err
	}
	oracle := sim.NewOracle(pool, allChecksPass)
	if err := oracle.PinAt(sc.Tick); err != nil {
		return sandwichRun{}, err
	}
	portfolio := sim.NewPortfolio(pool, sc.Initial0, sc.Initial1)
	controller := rebalance.NewController(store, oracle, portfolio, portfolio, rebalance.WithLogger(logger))

	if _, err := controller.Rebalance(ctx, rebalance.Request{}); err != nil {
		return sandwichRun{}, fmt.Errorf("initial rebalance: %w", err)
	}
	portfolio.Deposit(sc.Deposit0, sc.Deposit1)

	run := sandwichRun{
		frontIn:  new(uint256.Int),
		frontOut: new(uint256.Int),
		backIn:   new(uint256.Int),
		backOut:  new(uint256.Int),
	}
	snap, err := portfolio.Snapshot(ctx)
	if err != nil {
		return sandwichRun{}, err
	}
	positions := []impact.Position{
		{Range: impact.UtilityRange, Liquidity: market},
		{Range: snap.Lower.Range, Liquidity: snap.Lower.Liquidity},
		{Range: snap.Upper.Range, Liquidity: snap.Upper.Liquidity},
	}
	if snap.Lower.Liquidity.IsZero() {
		positions[1].Range = impact.UtilityRange
	}
	if snap.Upper.Liquidity.IsZero() {
		positions[2].Range = impact.UtilityRange
	}
	if run.estimate, err = impact.AmountToShift(sc.Tick, sc.Tick+shift, positions, p.Trading.FeePips); err != nil {
		return sandwichRun{}, fmt.Errorf("estimate shift: %w", err)
	}

	if shift != 0 {
		if run.frontZF, run.frontIn, run.frontOut, err = pool.MoveToTick(sc.Tick + shift); err != nil {
			return sandwichRun{}, fmt.Errorf("front-run: %w", err)
		}
	}
	run.rebalance, run.err = controller.Rebalance(ctx, rebalance.Request{})
	if errors.Is(run.err, context.Canceled) || errors.Is(run.err, context.DeadlineExceeded) {
		return sandwichRun{}, run.err
	}
	if shift != 0 {
		if _, run.backIn, run.backOut, err = pool.MoveToTick(sc.Tick); err != nil {
			return sandwichRun{}, fmt.Errorf("back-run: %w", err)
		}
	}

	sqrtP, err := tickmath.SqrtRatioAtTick(sc.Tick)
	if err != nil {
		return sandwichRun{}, err
	}
	if run.value, err = portfolio.Value(sqrtP); err != nil {
		return sandwichRun{}, err
	}
	return run, nil
}
