package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/tickmath"
)

// Safety flag bits set on an observation when the matching check passes.
const (
	FlagSpot         uint8 = 1 << 1
	FlagShortWindow  uint8 = 1 << 2
	FlagMediumWindow uint8 = 1 << 3
	FlagLongWindow   uint8 = 1 << 4
	// FlagNearSpot is set when the averaged tick is within MaxDeviationTicks of spot.
	FlagNearSpot uint8 = 1 << 5
)

var windowFlags = [...]uint8{FlagShortWindow, FlagMediumWindow, FlagLongWindow}

// OracleConfig holds the averaging windows and the deviation bound.
type OracleConfig struct {
	Pool common.Address
	// Windows are averaging spans in seconds, shortest first. The longest
	// window that the pool's observation history covers sets the tick.
	Windows           [3]uint32
	MaxDeviationTicks int32
}

// DefaultOracleConfig averages over 2.5, 7.5 and 30 minutes.
func DefaultOracleConfig(pool common.Address) OracleConfig {
	return OracleConfig{
		Pool:              pool,
		Windows:           [3]uint32{150, 450, 1800},
		MaxDeviationTicks: 50,
	}
}

// Oracle reads a time-weighted average tick from a pool's observations.
type Oracle struct {
	cfg    OracleConfig
	client Caller
	logger *zap.Logger
}

func NewOracle(cfg OracleConfig, client Caller, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{cfg: cfg, client: client, logger: logger}
}

// Observe reads spot and every window. A window the pool cannot serve leaves
// its flag clear; the observation fails only when no price is available.
func (o *Oracle) Observe(ctx context.Context) (rebalance.Observation, error) {
	var obs rebalance.Observation
	spot, spotErr := ReadSlot0(ctx, o.client, o.cfg.Pool, 0)
	if spotErr == nil {
		obs.SafetyFlags |= FlagSpot
	} else {
		o.logger.Debug("slot0 read failed", zap.String("pool", o.cfg.Pool.Hex()), zap.Error(spotErr))
	}

	averaged := false
	for i, window := range o.cfg.Windows {
		if window == 0 {
			continue
		}
		tick, err := o.averageTick(ctx, window)
		if err != nil {
			o.logger.Debug("observe failed", zap.Uint32("window", window), zap.Error(err))
			continue
		}
		obs.SafetyFlags |= windowFlags[i]
		obs.Tick = tick
		averaged = true
	}

	switch {
	case averaged:
		if spotErr == nil && absTick(obs.Tick-spot.Tick) <= o.cfg.MaxDeviationTicks {
			obs.SafetyFlags |= FlagNearSpot
		}
	case spotErr == nil:
		obs.Tick = spot.Tick
	default:
		return rebalance.Observation{}, fmt.Errorf("no oracle price for %s: %w", o.cfg.Pool.Hex(), spotErr)
	}

	sqrtP, err := tickmath.SqrtRatioAtTick(obs.Tick)
	if err != nil {
		return rebalance.Observation{}, err
	}
	obs.SqrtPriceX96 = sqrtP
	return obs, nil
}

func (o *Oracle) averageTick(ctx context.Context, window uint32) (int32, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return 0, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := callPoolMethod(ctx, o.client, o.cfg.Pool, poolABI, "observe", nil, []uint32{window, 0})
	if err != nil {
		return 0, err
	}
	cumulatives, ok := values[0].([]*big.Int)
	if !ok || len(cumulatives) != 2 {
		return 0, fmt.Errorf("observe: unexpected tick cumulatives %T", values[0])
	}
	return AverageTick(cumulatives[0], cumulatives[1], window)
}

// AverageTick is the mean tick between two cumulative readings window
// seconds apart, rounded toward negative infinity.
func AverageTick(older, newer *big.Int, window uint32) (int32, error) {
	if window == 0 {
		return 0, fmt.Errorf("zero window")
	}
	delta := new(big.Int).Sub(newer, older)
	span := big.NewInt(int64(window))
	q, m := new(big.Int).QuoRem(delta, span, new(big.Int))
	if delta.Sign() < 0 && m.Sign() != 0 {
		q.Sub(q, big.NewInt(1))
	}
	tick, err := int24FromBig(q)
	if err != nil {
		return 0, err
	}
	if tick < tickmath.MinTick || tick > tickmath.MaxTick {
		return 0, fmt.Errorf("%w: average tick %d", tickmath.ErrOutOfRange, tick)
	}
	return tick, nil
}

func absTick(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
