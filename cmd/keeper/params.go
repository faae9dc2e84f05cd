package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/params"
)

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect or commit strategy params",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the latest committed params",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withParamsStore(cmd, func(ctx context.Context, store params.Store, _ *zap.Logger) error {
				p, err := store.Latest(ctx)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	addCommonFlags(show)

	commit := &cobra.Command{
		Use:   "commit",
		Short: "Commit a new params version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			caller, _ := cmd.Flags().GetString("caller")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			next := params.Default()
			if err := yaml.Unmarshal(data, &next); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			return withParamsStore(cmd, func(ctx context.Context, store params.Store, logger *zap.Logger) error {
				committer, ok := store.(params.Committer)
				if !ok {
					return fmt.Errorf("params store does not accept commits; set --params or --pg-dsn")
				}
				committed, err := committer.Commit(ctx, caller, next)
				if err != nil {
					return err
				}
				logger.Info("params committed", zap.Uint64("version", committed.Version), zap.String("caller", caller))
				return printJSON(committed)
			})
		},
	}
	addCommonFlags(commit)
	commit.Flags().String("file", "", "YAML document with the new params")
	commit.Flags().String("caller", "", "identity committing the version")

	cmd.AddCommand(show, commit)
	return cmd
}

func withParamsStore(cmd *cobra.Command, fn func(ctx context.Context, store params.Store, logger *zap.Logger) error) error {
	cfg, err := config.LoadParams(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	if db == nil && cfg.ParamsFile == "" {
		return fmt.Errorf("--params or --pg-dsn is required")
	}
	store, err := openParams(ctx, cfg, db)
	if err != nil {
		return err
	}
	return fn(ctx, store, logger)
}
