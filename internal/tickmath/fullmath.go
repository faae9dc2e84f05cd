package tickmath

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s*%s/%s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	return z, nil
}

// Add returns x+y, failing instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s+%s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// AbsDiff returns |x-y|.
func AbsDiff(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Sub(y, x)
	}
	return new(uint256.Int).Sub(x, y)
}
