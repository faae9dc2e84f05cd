package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"liquidityKeeper/internal/backtest"
	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/impact"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

// loadParams reads the latest version from the --params file, or the
// defaults when none is given.
func loadParams(cmd *cobra.Command) (params.Params, error) {
	path, _ := cmd.Flags().GetString("params")
	if path == "" {
		return params.Default(), nil
	}
	store := &params.FileStore{Path: path}
	return store.Latest(context.Background())
}

func newRatioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratio",
		Short: "Print target ratios at a tick",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadParams(cmd)
			if err != nil {
				return err
			}
			tick, _ := cmd.Flags().GetInt32("tick")
			lower, upper, err := ratio.Layout(tick, p.Strategy.WidthTicks, p.Strategy.TickSpacing)
			if err != nil {
				return err
			}
			in, err := p.RatioInput(tick, lower, upper)
			if err != nil {
				return err
			}
			targets, err := ratio.Calculate(in)
			if err != nil {
				return err
			}
			sqrtP, err := tickmath.SqrtRatioAtTick(tick)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Tick    int32           `json:"tick"`
				Price   string          `json:"price"`
				Lower   valuation.Range `json:"lower"`
				Upper   valuation.Range `json:"upper"`
				Targets ratio.Targets   `json:"targets"`
			}{tick, tickmath.PriceFromSqrtPriceX96(sqrtP).Text('g', 18), lower, upper, targets})
		},
	}
	cmd.Flags().String("params", "", "params YAML file")
	cmd.Flags().Int32("tick", 0, "oracle tick")
	return cmd
}

func newSwapAmountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap-amount",
		Short: "Estimate the swap that moves the pool between two ticks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadParams(cmd)
			if err != nil {
				return err
			}
			tick, _ := cmd.Flags().GetInt32("tick")
			target, _ := cmd.Flags().GetInt32("target")
			tvlText, _ := cmd.Flags().GetString("tvl")
			decimals, _ := cmd.Flags().GetUint8("token1-decimals")
			utility, _ := cmd.Flags().GetBool("utility")

			tvl, err := config.ParseAmount(tvlText, decimals)
			if err != nil {
				return fmt.Errorf("tvl: %w", err)
			}
			lower, upper, err := ratio.Layout(tick, p.Strategy.WidthTicks, p.Strategy.TickSpacing)
			if err != nil {
				return err
			}
			var utilityLiquidity *uint256.Int
			if utility {
				utilityLiquidity = impact.UtilityLiquidity
			}
			positions, err := impact.PositionsFromCapital(tick, lower, upper, tvl, utilityLiquidity)
			if err != nil {
				return err
			}
			shift, err := impact.AmountToShift(tick, target, positions, p.Trading.FeePips)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Positions []impact.Position `json:"positions"`
				Shift     impact.Shift      `json:"shift"`
			}{positions, shift})
		},
	}
	cmd.Flags().String("params", "", "params YAML file")
	cmd.Flags().Int32("tick", 0, "current tick")
	cmd.Flags().Int32("target", 0, "target tick")
	cmd.Flags().String("tvl", "0", "strategy capital in token1")
	cmd.Flags().Uint8("token1-decimals", 18, "token1 decimals")
	cmd.Flags().Bool("utility", true, "include the full-range utility position")
	return cmd
}

func newAttackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attack",
		Short: "Estimate a sandwich around a forced rebalance",
		RunE:  runAttack,
	}
	addCommonFlags(cmd)
	cmd.Flags().Int32("tick", 0, "starting tick")
	cmd.Flags().Int32("tick-shift", 0, "ticks the attacker moves the pool")
	cmd.Flags().String("initial0", "", "starting token0 amount")
	cmd.Flags().String("initial1", "", "starting token1 amount")
	cmd.Flags().String("deposit0", "", "token0 deposited before the rebalance")
	cmd.Flags().String("deposit1", "", "token1 deposited before the rebalance")
	cmd.Flags().Uint8("token0-decimals", 18, "token0 decimals")
	cmd.Flags().Uint8("token1-decimals", 18, "token1 decimals")
	cmd.Flags().String("market-liquidity", "0", "full-range liquidity of other LPs, 0 for the reference pool")
	return cmd
}

func runAttack(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAttack(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	amounts := make([]*uint256.Int, 4)
	for i, in := range []struct {
		name     string
		value    string
		decimals uint8
	}{
		{"initial0", cfg.Initial0, cfg.Token0Decimals},
		{"initial1", cfg.Initial1, cfg.Token1Decimals},
		{"deposit0", cfg.Deposit0, cfg.Token0Decimals},
		{"deposit1", cfg.Deposit1, cfg.Token1Decimals},
	} {
		if amounts[i], err = config.ParseAmount(in.value, in.decimals); err != nil {
			return fmt.Errorf("%s: %w", in.name, err)
		}
	}
	market, err := config.ParseAmount(cfg.MarketLiquidity, 0)
	if err != nil {
		return fmt.Errorf("market liquidity: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.Common, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	store, err := openParams(ctx, cfg.Common, db)
	if err != nil {
		return err
	}
	p, err := store.Latest(ctx)
	if err != nil {
		return err
	}
	report, err := backtest.EstimateSandwich(ctx, backtest.Scenario{
		Params:          p,
		Tick:            cfg.Tick,
		Initial0:        amounts[0],
		Initial1:        amounts[1],
		Deposit0:        amounts[2],
		Deposit1:        amounts[3],
		TickShift:       cfg.TickShift,
		MarketLiquidity: market,
	}, logger)
	if err != nil {
		return err
	}
	return printJSON(report)
}
