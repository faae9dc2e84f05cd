package params

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/valuation"
)

var (
	ErrNotFound      = errors.New("params not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrStaleVersion  = errors.New("stale params version")
	ErrInvalidParams = errors.New("invalid params")
)

var validate = validator.New()

// Strategy describes the domain and the position layout.
type Strategy struct {
	Domain           valuation.Range `json:"domain" yaml:"domain"`
	WidthTicks       int32           `json:"width_ticks" yaml:"width_ticks" validate:"gt=0"`
	TickSpacing      int32           `json:"tick_spacing" yaml:"tick_spacing" validate:"gt=0"`
	WidthCoefficient int32           `json:"width_coefficient" yaml:"width_coefficient" validate:"gte=1"`
	Mode             string          `json:"mode" yaml:"mode" validate:"oneof=continuous discrete"`
	EdgeRounding     string          `json:"edge_rounding" yaml:"edge_rounding" validate:"oneof=outward inward nearest"`
	// ImmediateShareD is the share of the reserve kept immediately liquid.
	ImmediateShareD      uint64        `json:"immediate_share_d" yaml:"immediate_share_d" validate:"lte=1000000000"`
	MinRebalanceInterval time.Duration `json:"min_rebalance_interval" yaml:"min_rebalance_interval" validate:"gte=0"`
}

// Thresholds are the minimum deviations, in units of D, that trigger a correction.
type Thresholds struct {
	MinCapitalDeviationD   uint64 `json:"min_capital_deviation_d" yaml:"min_capital_deviation_d" validate:"gt=0,lte=1000000000"`
	MinTokenDeviationD     uint64 `json:"min_token_deviation_d" yaml:"min_token_deviation_d" validate:"gt=0,lte=1000000000"`
	MinLiquidityDeviationD uint64 `json:"min_liquidity_deviation_d" yaml:"min_liquidity_deviation_d" validate:"gt=0,lte=1000000000"`
}

// Safety bounds execution.
type Safety struct {
	MaxSlippageD uint64 `json:"max_slippage_d" yaml:"max_slippage_d" validate:"lt=1000000000"`
	// OracleSafetyMask lists the oracle checks (bit i = check i) that must pass.
	OracleSafetyMask  uint8         `json:"oracle_safety_mask" yaml:"oracle_safety_mask"`
	OrderDeadline     time.Duration `json:"order_deadline" yaml:"order_deadline" validate:"gt=0"`
	RebalanceDeadline time.Duration `json:"rebalance_deadline" yaml:"rebalance_deadline" validate:"gt=0"`
}

// Trading holds pool and venue settings.
type Trading struct {
	FeePips             uint32 `json:"fee_pips" yaml:"fee_pips" validate:"lt=1000000"`
	MinToken0ForOpening uint64 `json:"min_token0_for_opening" yaml:"min_token0_for_opening"`
	MinToken1ForOpening uint64 `json:"min_token1_for_opening" yaml:"min_token1_for_opening"`
}

// Params is one committed version of every governance-controlled setting.
type Params struct {
	Version    uint64     `json:"version" yaml:"version"`
	Strategy   Strategy   `json:"strategy" yaml:"strategy"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
	Safety     Safety     `json:"safety" yaml:"safety"`
	Trading    Trading    `json:"trading" yaml:"trading"`
}

// Default mirrors the production deployment of the two-position strategy.
func Default() Params {
	return Params{
		Version: 1,
		Strategy: Strategy{
			Domain:           valuation.Range{Lower: -887220, Upper: 887220},
			WidthTicks:       100,
			TickSpacing:      10,
			WidthCoefficient: 1,
			Mode:             ratio.Continuous.String(),
			EdgeRounding:     ratio.Outward.String(),
			ImmediateShareD:  50_000_000,
		},
		Thresholds: Thresholds{
			MinCapitalDeviationD:   100_000,
			MinTokenDeviationD:     50_000_000,
			MinLiquidityDeviationD: 2_000_000,
		},
		Safety: Safety{
			MaxSlippageD:      10_000_000,
			OracleSafetyMask:  0x20,
			OrderDeadline:     30 * 24 * time.Hour,
			RebalanceDeadline: 10 * time.Minute,
		},
		Trading: Trading{
			FeePips:             500,
			MinToken0ForOpening: 1_000_000,
			MinToken1ForOpening: 1_000_000,
		},
	}
}

// Validate checks field bounds and the cross-field layout rules.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := p.Strategy.Domain.Validate(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	if p.Strategy.WidthTicks%(2*p.Strategy.TickSpacing) != 0 {
		return fmt.Errorf("%w: width %d must be a multiple of twice the tick spacing %d",
			ErrInvalidParams, p.Strategy.WidthTicks, p.Strategy.TickSpacing)
	}
	if p.Strategy.Domain.Width() < p.Strategy.WidthTicks {
		return fmt.Errorf("%w: domain narrower than one position", ErrInvalidParams)
	}
	return nil
}

// RatioInput builds the calculator input for the given tick and positions.
func (p Params) RatioInput(tick int32, lower, upper valuation.Range) (ratio.Input, error) {
	mode, err := ratio.ParseMode(p.Strategy.Mode)
	if err != nil {
		return ratio.Input{}, err
	}
	rounding, err := ratio.ParseEdgeRounding(p.Strategy.EdgeRounding)
	if err != nil {
		return ratio.Input{}, err
	}
	return ratio.Input{
		Tick:             tick,
		Domain:           p.Strategy.Domain,
		LowerPosition:    lower,
		UpperPosition:    upper,
		WidthCoefficient: p.Strategy.WidthCoefficient,
		TickSpacing:      p.Strategy.TickSpacing,
		Mode:             mode,
		EdgeRounding:     rounding,
		ImmediateShareD:  p.Strategy.ImmediateShareD,
	}, nil
}
