package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityKeeper/internal/chain"
	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/dex"
	"liquidityKeeper/internal/storage"
	"liquidityKeeper/internal/watch"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Evaluate a live portfolio on a schedule and publish plans",
		RunE:  runWatch,
	}
	addCommonFlags(cmd)
	cmd.Flags().String("rpc", "", "RPC URL")
	cmd.Flags().String("pool", "", "pool address")
	cmd.Flags().String("schedule", watch.DefaultSchedule, "cron schedule with seconds field")
	cmd.Flags().String("portfolio", "", "portfolio snapshot YAML")
	cmd.Flags().String("custodian", "", "address holding the immediate reserve; read from chain when set")
	cmd.Flags().String("plans-out", "./data/plans.jsonl", "output plans JSONL")
	cmd.Flags().String("state-file", "./data/keeper_state.json", "last rebalance state file")
	cmd.Flags().StringSlice("windows", []string{"150", "450", "1800"}, "three TWAP windows in seconds")
	cmd.Flags().Int32("max-deviation-ticks", 50, "largest spot to TWAP distance considered safe")
	cmd.Flags().Int("max-iterations", 0, "corrective passes per evaluation, 0 for the default")
	cmd.Flags().Bool("once", false, "evaluate once and exit")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWatch(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Pool) {
		return fmt.Errorf("invalid pool address: %q", cfg.Pool)
	}
	if cfg.Portfolio == "" {
		return fmt.Errorf("portfolio file is required")
	}
	if len(cfg.Windows) != 3 {
		return fmt.Errorf("want 3 twap windows, got %d", len(cfg.Windows))
	}
	pool := common.HexToAddress(cfg.Pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	db, err := openDB(ctx, cfg.Common, logger)
	if err != nil {
		return err
	}
	var (
		plans storage.PlanSink   = storage.NewJsonlStorage(cfg.PlansOut)
		state storage.StateStore = &storage.FileStateStore{Path: cfg.StateFile}
	)
	if db != nil {
		defer db.Close()
		plans = db
		state = &storage.DBStateStore{Store: db, Name: "keeper:" + pool.Hex()}
	}
	store, err := openParams(ctx, cfg.Common, db)
	if err != nil {
		return err
	}

	var portfolio watch.SnapshotSource = watch.FileSnapshot{Path: cfg.Portfolio}
	if cfg.Custodian != "" {
		if !common.IsHexAddress(cfg.Custodian) {
			return fmt.Errorf("invalid custodian address: %q", cfg.Custodian)
		}
		custodian := common.HexToAddress(cfg.Custodian)
		meta, err := dex.FetchPoolMeta(ctx, chainClient, pool, dex.NewTokenMetaCache(), logger)
		if err != nil {
			return fmt.Errorf("pool metadata: %w", err)
		}
		tokens := [2]common.Address{common.HexToAddress(meta.Token0), common.HexToAddress(meta.Token1)}
		portfolio = watch.LiveReserve{
			Base: portfolio,
			Balance: func(ctx context.Context, token int) (*uint256.Int, error) {
				return dex.BalanceOf(ctx, chainClient, tokens[token], custodian, 0)
			},
		}
	}

	oracleCfg := dex.DefaultOracleConfig(pool)
	copy(oracleCfg.Windows[:], cfg.Windows)
	oracleCfg.MaxDeviationTicks = cfg.MaxDeviationTicks

	watcher := watch.New(watch.Config{
		Pool:          pool.Hex(),
		Schedule:      cfg.Schedule,
		MaxIterations: cfg.MaxIterations,
	}, watch.Deps{
		Params: store,
		Oracle: dex.NewOracle(oracleCfg, chainClient, logger.Named("oracle")),
		Spot: func(ctx context.Context) (*uint256.Int, error) {
			slot0, err := dex.ReadSlot0(ctx, chainClient, pool, 0)
			if err != nil {
				return nil, err
			}
			return slot0.SqrtPriceX96, nil
		},
		Portfolio: portfolio,
		State:     state,
		Plans:     plans,
	}, logger)

	logger.Info("watch start",
		zap.String("pool", pool.Hex()),
		zap.String("schedule", cfg.Schedule),
		zap.String("portfolio", cfg.Portfolio),
		zap.String("custodian", cfg.Custodian),
		zap.Uint32s("windows", cfg.Windows),
		zap.Bool("once", cfg.Once),
	)

	if cfg.Once {
		report, err := watcher.Tick(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	}
	return watcher.Run(ctx)
}
