package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"liquidityKeeper/internal/valuation"
)

// State is a node of the rebalance state machine.
type State uint8

const (
	Balanced State = iota
	CapitalRatioBreached
	TokenRatioBreached
	LiquidityRatioBreached
	Executing
	Failed
)

func (s State) String() string {
	switch s {
	case Balanced:
		return "balanced"
	case CapitalRatioBreached:
		return "capital_ratio_breached"
	case TokenRatioBreached:
		return "token_ratio_breached"
	case LiquidityRatioBreached:
		return "liquidity_ratio_breached"
	case Executing:
		return "executing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Axis is one of the three deviation measures.
type Axis uint8

const (
	NoAxis Axis = iota
	CapitalAxis
	TokenAxis
	LiquidityAxis
)

var axes = [...]Axis{CapitalAxis, TokenAxis, LiquidityAxis}

func (a Axis) String() string {
	switch a {
	case NoAxis:
		return "none"
	case CapitalAxis:
		return "capital"
	case TokenAxis:
		return "token"
	case LiquidityAxis:
		return "liquidity"
	default:
		return fmt.Sprintf("axis(%d)", a)
	}
}

func (a Axis) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a Axis) breachedState() State {
	switch a {
	case CapitalAxis:
		return CapitalRatioBreached
	case TokenAxis:
		return TokenRatioBreached
	case LiquidityAxis:
		return LiquidityRatioBreached
	default:
		return Balanced
	}
}

// PositionTag names one of the two concurrent positions.
type PositionTag uint8

const (
	Lower PositionTag = iota
	Upper
)

func (p PositionTag) String() string {
	if p == Lower {
		return "lower"
	}
	return "upper"
}

func (p PositionTag) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Other returns the sibling position.
func (p PositionTag) Other() PositionTag {
	if p == Lower {
		return Upper
	}
	return Lower
}

// Kind is the action an Instruction asks the executor to take.
type Kind uint8

const (
	// WithdrawPassive moves Amount0/Amount1 from the passive to the immediate reserve.
	WithdrawPassive Kind = iota
	// DepositPassive moves Amount0/Amount1 from the immediate to the passive reserve.
	DepositPassive
	// DecreaseLiquidity removes Liquidity from Position into the immediate reserve.
	DecreaseLiquidity
	// IncreaseLiquidity adds as much liquidity to Position as Amount0/Amount1 fund.
	IncreaseLiquidity
	// Swap exchanges AmountIn inside the immediate reserve.
	Swap
	// Roll re-opens an empty Position at Range.
	Roll
)

func (k Kind) String() string {
	switch k {
	case WithdrawPassive:
		return "withdraw_passive"
	case DepositPassive:
		return "deposit_passive"
	case DecreaseLiquidity:
		return "decrease_liquidity"
	case IncreaseLiquidity:
		return "increase_liquidity"
	case Swap:
		return "swap"
	case Roll:
		return "roll"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Instruction is one capital movement. Only the fields relevant to Kind are set.
type Instruction struct {
	Kind      Kind            `json:"kind"`
	Position  PositionTag     `json:"position"`
	Range     valuation.Range `json:"range"`
	Amount0   *uint256.Int    `json:"amount0,omitempty"`
	Amount1   *uint256.Int    `json:"amount1,omitempty"`
	Liquidity *uint256.Int    `json:"liquidity,omitempty"`

	ZeroForOne bool         `json:"zero_for_one"`
	AmountIn   *uint256.Int `json:"amount_in,omitempty"`
	MinOut     *uint256.Int `json:"min_out,omitempty"`
	// MinValue bounds what a liquidity removal must return, valued in token1
	// at the oracle price.
	MinValue *uint256.Int `json:"min_value,omitempty"`
	Deadline time.Time    `json:"deadline"`
}

// Fill reports what the executor actually moved.
type Fill struct {
	Amount0   *uint256.Int `json:"amount0,omitempty"`
	Amount1   *uint256.Int `json:"amount1,omitempty"`
	Liquidity *uint256.Int `json:"liquidity,omitempty"`
	AmountOut *uint256.Int `json:"amount_out,omitempty"`
}

// Balances is a pair of token amounts.
type Balances struct {
	Token0 *uint256.Int `json:"token0"`
	Token1 *uint256.Int `json:"token1"`
}

// NewBalances copies the given amounts; nil reads as zero.
func NewBalances(token0, token1 *uint256.Int) Balances {
	return Balances{Token0: orZero(token0), Token1: orZero(token1)}
}

// Position is one concentrated-liquidity allocation.
type Position struct {
	Range     valuation.Range `json:"range"`
	Liquidity *uint256.Int    `json:"liquidity"`
}

// Snapshot is one consistent read of every compartment.
type Snapshot struct {
	Immediate Balances `json:"immediate"`
	Passive   Balances `json:"passive"`
	Lower     Position `json:"lower"`
	Upper     Position `json:"upper"`
	// SqrtPriceX96 is the pool's own spot price.
	SqrtPriceX96 *uint256.Int `json:"sqrt_price_x96"`
}

// Position returns the position named by tag.
func (s Snapshot) Position(tag PositionTag) Position {
	if tag == Lower {
		return s.Lower
	}
	return s.Upper
}

// Observation is one oracle reading.
type Observation struct {
	Tick         int32        `json:"tick"`
	SqrtPriceX96 *uint256.Int `json:"sqrt_price_x96"`
	// SafetyFlags has bit i set when oracle check i passed.
	SafetyFlags uint8 `json:"safety_flags"`
}

// Oracle supplies the manipulation-resistant price.
type Oracle interface {
	Observe(ctx context.Context) (Observation, error)
}

// Portfolio reads the compartments.
type Portfolio interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Executor carries out instructions against the pool, the custody venue and
// the passive venue.
type Executor interface {
	Execute(ctx context.Context, ins Instruction) (Fill, error)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
