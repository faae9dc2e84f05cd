package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityKeeper/internal/backtest"
	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/storage"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a price series through the controller",
		RunE:  runBacktest,
	}
	addCommonFlags(cmd)
	cmd.Flags().String("prices", "", "CSV of block,price rows")
	cmd.Flags().String("samples", "", "sampler JSONL output to replay instead of --prices")
	cmd.Flags().String("pool", "", "pool to pick from --samples")
	cmd.Flags().String("out", "./data/backtest.jsonl", "output step rows JSONL")
	cmd.Flags().String("run", "backtest", "run name recorded on every row")
	cmd.Flags().String("initial0", "", "starting token0 amount")
	cmd.Flags().String("initial1", "", "starting token1 amount")
	cmd.Flags().Uint8("token0-decimals", 18, "token0 decimals")
	cmd.Flags().Uint8("token1-decimals", 18, "token1 decimals")
	cmd.Flags().String("market-liquidity", "0", "full-range liquidity of other LPs, 0 for the reference pool")
	cmd.Flags().Uint64("passive-yield-d", 0, "passive reserve growth per step in units of 1e9")
	cmd.Flags().Int("max-iterations", 0, "corrective passes per step, 0 for the default")
	cmd.Flags().Duration("block-time", 0, "time between blocks")
	cmd.Flags().Int("flush-every", 100, "rows per sink write")
	return cmd
}

func loadPrices(cfg config.BacktestConfig) ([]backtest.PricePoint, error) {
	switch {
	case cfg.Samples != "":
		samples, err := storage.ReadLines[model.PriceSample](cfg.Samples)
		if err != nil {
			return nil, err
		}
		return backtest.FromSamples(samples, cfg.Pool)
	case cfg.Prices != "":
		f, err := os.Open(cfg.Prices)
		if err != nil {
			return nil, fmt.Errorf("open prices: %w", err)
		}
		defer f.Close()
		return backtest.ReadPrices(f)
	default:
		return nil, fmt.Errorf("--prices or --samples is required")
	}
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadBacktest(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	prices, err := loadPrices(cfg)
	if err != nil {
		return err
	}
	initial0, err := config.ParseAmount(cfg.Initial0, cfg.Token0Decimals)
	if err != nil {
		return fmt.Errorf("initial0: %w", err)
	}
	initial1, err := config.ParseAmount(cfg.Initial1, cfg.Token1Decimals)
	if err != nil {
		return fmt.Errorf("initial1: %w", err)
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
	var sink storage.StepSink = storage.NewJsonlStorage(cfg.Out)
	if db != nil {
		defer db.Close()
		sink = db
	}
	store, err := openParams(ctx, cfg.Common, db)
	if err != nil {
		return err
	}

	runner := backtest.NewRunner(backtest.Config{
		Run:             cfg.Run,
		Initial0:        initial0,
		Initial1:        initial1,
		MarketLiquidity: market,
		PassiveYieldD:   cfg.PassiveYieldD,
		MaxIterations:   cfg.MaxIterations,
		BlockTime:       cfg.BlockTime,
		FlushEvery:      cfg.FlushEvery,
	}, store, sink, logger)

	logger.Info("backtest start",
		zap.String("run", cfg.Run),
		zap.Int("prices", len(prices)),
		zap.Uint64("first_block", prices[0].Block),
		zap.Uint64("last_block", prices[len(prices)-1].Block),
		zap.String("out", cfg.Out),
	)

	summary, err := runner.Run(ctx, prices)
	if err != nil {
		return err
	}
	return printJSON(summary)
}
