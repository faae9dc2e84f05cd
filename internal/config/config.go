package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "KEEPER"

// Common holds settings shared by every subcommand.
type Common struct {
	RPCURL     string
	PGDSN      string
	ParamsFile string
	Governor   string
	LogLevel   string
}

// BacktestConfig configures a price-series replay.
type BacktestConfig struct {
	Common
	Prices          string
	Samples         string
	Pool            string
	Out             string
	Run             string
	Initial0        string
	Initial1        string
	Token0Decimals  uint8
	Token1Decimals  uint8
	MarketLiquidity string
	PassiveYieldD   uint64
	MaxIterations   int
	BlockTime       time.Duration
	FlushEvery      int
}

// SampleConfig configures the historical price sampler.
type SampleConfig struct {
	Common
	Pools             []string
	FromBlock         uint64
	ToBlock           uint64
	Step              uint64
	BatchSize         uint64
	WithLiquidity     bool
	Out               string
	Checkpoint        string
	CheckpointEnabled bool
	MaxRetries        int
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
}

// WatchConfig configures the live keeper.
type WatchConfig struct {
	Common
	Pool              string
	Schedule          string
	Portfolio         string
	Custodian         string
	PlansOut          string
	StateFile         string
	Windows           []uint32
	MaxDeviationTicks int32
	MaxIterations     int
	Once              bool
}

// AttackConfig configures a sandwich estimate.
type AttackConfig struct {
	Common
	Tick            int32
	TickShift       int32
	Initial0        string
	Initial1        string
	Deposit0        string
	Deposit1        string
	Token0Decimals  uint8
	Token1Decimals  uint8
	MarketLiquidity string
}

// load merges defaults, config file, environment variables, and flags.
func load(cfgFile string, flags *pflag.FlagSet, defaults map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func common(v *viper.Viper) Common {
	return Common{
		RPCURL:     v.GetString("rpc"),
		PGDSN:      v.GetString("pg-dsn"),
		ParamsFile: v.GetString("params"),
		Governor:   v.GetString("governor"),
		LogLevel:   v.GetString("log-level"),
	}
}

func LoadBacktest(cfgFile string, flags *pflag.FlagSet) (BacktestConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"out":              "./data/backtest.jsonl",
		"run":              "backtest",
		"token0-decimals":  18,
		"token1-decimals":  18,
		"market-liquidity": "0",
		"block-time":       12 * time.Second,
		"flush-every":      100,
	})
	if err != nil {
		return BacktestConfig{}, err
	}
	return BacktestConfig{
		Common:          common(v),
		Prices:          v.GetString("prices"),
		Samples:         v.GetString("samples"),
		Pool:            v.GetString("pool"),
		Out:             v.GetString("out"),
		Run:             v.GetString("run"),
		Initial0:        v.GetString("initial0"),
		Initial1:        v.GetString("initial1"),
		Token0Decimals:  uint8(v.GetUint("token0-decimals")),
		Token1Decimals:  uint8(v.GetUint("token1-decimals")),
		MarketLiquidity: v.GetString("market-liquidity"),
		PassiveYieldD:   v.GetUint64("passive-yield-d"),
		MaxIterations:   v.GetInt("max-iterations"),
		BlockTime:       v.GetDuration("block-time"),
		FlushEvery:      v.GetInt("flush-every"),
	}, nil
}

func LoadSample(cfgFile string, flags *pflag.FlagSet) (SampleConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"step":               uint64(1),
		"batch-size":         uint64(2000),
		"out":                "./data/samples.jsonl",
		"checkpoint":         "./data/sampler_checkpoint.json",
		"checkpoint-enabled": true,
		"max-retries":        5,
		"retry-backoff":      500 * time.Millisecond,
		"max-backoff":        10 * time.Second,
	})
	if err != nil {
		return SampleConfig{}, err
	}
	return SampleConfig{
		Common:            common(v),
		Pools:             getStringSlice(v, "pool"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		Step:              v.GetUint64("step"),
		BatchSize:         v.GetUint64("batch-size"),
		WithLiquidity:     v.GetBool("with-liquidity"),
		Out:               v.GetString("out"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		MaxBackoff:        v.GetDuration("max-backoff"),
	}, nil
}

func LoadWatch(cfgFile string, flags *pflag.FlagSet) (WatchConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"schedule":            "0 * * * * *",
		"plans-out":           "./data/plans.jsonl",
		"state-file":          "./data/keeper_state.json",
		"windows":             []string{"150", "450", "1800"},
		"max-deviation-ticks": 50,
	})
	if err != nil {
		return WatchConfig{}, err
	}
	windows, err := parseWindows(getStringSlice(v, "windows"))
	if err != nil {
		return WatchConfig{}, err
	}
	return WatchConfig{
		Common:            common(v),
		Pool:              v.GetString("pool"),
		Schedule:          v.GetString("schedule"),
		Portfolio:         v.GetString("portfolio"),
		Custodian:         v.GetString("custodian"),
		PlansOut:          v.GetString("plans-out"),
		StateFile:         v.GetString("state-file"),
		Windows:           windows,
		MaxDeviationTicks: v.GetInt32("max-deviation-ticks"),
		MaxIterations:     v.GetInt("max-iterations"),
		Once:              v.GetBool("once"),
	}, nil
}

func LoadAttack(cfgFile string, flags *pflag.FlagSet) (AttackConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"token0-decimals":  18,
		"token1-decimals":  18,
		"market-liquidity": "0",
	})
	if err != nil {
		return AttackConfig{}, err
	}
	return AttackConfig{
		Common:          common(v),
		Tick:            v.GetInt32("tick"),
		TickShift:       v.GetInt32("tick-shift"),
		Initial0:        v.GetString("initial0"),
		Initial1:        v.GetString("initial1"),
		Deposit0:        v.GetString("deposit0"),
		Deposit1:        v.GetString("deposit1"),
		Token0Decimals:  uint8(v.GetUint("token0-decimals")),
		Token1Decimals:  uint8(v.GetUint("token1-decimals")),
		MarketLiquidity: v.GetString("market-liquidity"),
	}, nil
}

// ParseAmount converts a human token amount such as "1.5" into base units.
func ParseAmount(input string, decimals uint8) (*uint256.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(input)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", input, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", input)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", input, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", input)
	}
	return v, nil
}

func parseWindows(items []string) ([]uint32, error) {
	out := make([]uint32, 0, len(items))
	for _, item := range items {
		d, err := decimal.NewFromString(item)
		if err != nil || !d.IsPositive() || !d.IsInteger() || d.GreaterThan(decimal.NewFromInt(1<<32-1)) {
			return nil, fmt.Errorf("invalid twap window %q", item)
		}
		out = append(out, uint32(d.IntPart()))
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// LoadParams reads the settings shared by the params subcommands.
func LoadParams(cfgFile string, flags *pflag.FlagSet) (Common, error) {
	v, err := load(cfgFile, flags, nil)
	if err != nil {
		return Common{}, err
	}
	return common(v), nil
}
