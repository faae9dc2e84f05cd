package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityKeeper/internal/chain"
	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/sampler"
	"liquidityKeeper/internal/storage"
)

func newSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample pool prices over a block range",
		RunE:  runSample,
	}
	cmd.Flags().String("rpc", "", "archive RPC URL")
	cmd.Flags().StringSlice("pool", nil, "pool addresses (comma-separated)")
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().Uint64("step", 1, "blocks between samples")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().Bool("with-liquidity", false, "also record in-range liquidity")
	cmd.Flags().String("out", "./data/samples.jsonl", "output JSONL path")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN; replaces --out when set")
	cmd.Flags().String("checkpoint", "./data/sampler_checkpoint.json", "checkpoint file path")
	cmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 0, "initial retry backoff")
	cmd.Flags().Duration("max-backoff", 0, "retry backoff ceiling")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runSample(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadSample(configFile(cmd), cmd.Flags())
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
	pools, err := sampler.ParseAddresses(cfg.Pools)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return fmt.Errorf("pool list is required")
	}

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
	var sink storage.SampleSink = storage.NewJsonlStorage(cfg.Out)
	if db != nil {
		defer db.Close()
		sink = db
	}

	runner := sampler.NewRunner(sampler.Config{
		Pools:             pools,
		FromBlock:         cfg.FromBlock,
		ToBlock:           cfg.ToBlock,
		Step:              cfg.Step,
		BatchSize:         cfg.BatchSize,
		WithLiquidity:     cfg.WithLiquidity,
		CheckpointPath:    cfg.Checkpoint,
		CheckpointEnabled: cfg.CheckpointEnabled,
		Retry: sampler.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff,
			MaxBackoff: cfg.MaxBackoff,
		},
	}, chainClient, sink, logger)

	logger.Info("sampler start",
		zap.Int("pools", len(pools)),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Uint64("step", cfg.Step),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("out", cfg.Out),
		zap.Bool("checkpoint_enabled", cfg.CheckpointEnabled),
	)

	n, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("sampler done", zap.Int("samples", n))
	return nil
}
