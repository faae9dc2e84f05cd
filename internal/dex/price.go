package dex

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const humanPricePrecision = 36

var q192 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)

// HumanPrice converts a Q64.96 sqrt price into token1 per token0 in whole
// token units.
func HumanPrice(sqrtPriceX96 *uint256.Int, token0Decimals, token1Decimals uint8) decimal.Decimal {
	if sqrtPriceX96 == nil {
		return decimal.Zero
	}
	sq := new(big.Int).Mul(sqrtPriceX96.ToBig(), sqrtPriceX96.ToBig())
	raw := decimal.NewFromBigInt(sq, 0).DivRound(q192, humanPricePrecision)
	return raw.Shift(int32(token0Decimals) - int32(token1Decimals))
}
