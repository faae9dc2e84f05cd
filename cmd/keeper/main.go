package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"liquidityKeeper/internal/config"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "keeper",
		Short:        "Concentrated liquidity rebalancing keeper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(
		newBacktestCmd(),
		newSampleCmd(),
		newWatchCmd(),
		newSwapAmountCmd(),
		newAttackCmd(),
		newRatioCmd(),
		newParamsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("params", "", "params YAML file (defaults are used when empty)")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN; takes precedence over local files")
	cmd.Flags().String("governor", "", "identity allowed to commit params")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func configFile(cmd *cobra.Command) string {
	cfgFile, _ := cmd.Flags().GetString("config")
	return cfgFile
}

// openParams picks the params store: Postgres, then a YAML file, then the
// built-in defaults.
func openParams(ctx context.Context, c config.Common, db *postgres.Store) (params.Store, error) {
	switch {
	case db != nil:
		return db, nil
	case c.ParamsFile != "":
		return &params.FileStore{Path: c.ParamsFile, Governor: c.Governor}, nil
	default:
		return params.NewMemoryStore(params.Default())
	}
}

// openDB connects and migrates when a DSN is configured; nil otherwise.
func openDB(ctx context.Context, c config.Common, logger *zap.Logger) (*postgres.Store, error) {
	if c.PGDSN == "" {
		return nil, nil
	}
	store, err := postgres.NewStore(ctx, c.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store.Governor = c.Governor
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	logger.Info("postgres ready", zap.String("dsn", redactDSN(c.PGDSN)))
	return store, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
