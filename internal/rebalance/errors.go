package rebalance

import (
	"errors"
	"fmt"

	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/tickmath"
	"liquidityKeeper/internal/valuation"
)

var (
	ErrOutOfRange          = tickmath.ErrOutOfRange
	ErrInvalidRange        = valuation.ErrInvalidRange
	ErrUnauthorized        = params.ErrUnauthorized
	ErrOracleUnsafe        = errors.New("oracle unsafe")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrDeadlineExpired     = errors.New("deadline expired")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTooSoon             = errors.New("minimum rebalance interval not elapsed")
)

// FailedError is returned when an invocation ends in the Failed state.
type FailedError struct {
	Axis Axis
	Err  error
}

func (e *FailedError) Error() string {
	if e.Axis == NoAxis {
		return fmt.Sprintf("rebalance failed: %v", e.Err)
	}
	return fmt.Sprintf("rebalance failed on %s axis: %v", e.Axis, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }
