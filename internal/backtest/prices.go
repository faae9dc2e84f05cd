package backtest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"liquidityKeeper/internal/dex"
	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/tickmath"
)

var ErrNoPrices = errors.New("no prices")

// PricePoint is one row of a price series: token1 per token0 at a block.
type PricePoint struct {
	Block        uint64          `json:"block"`
	Price        decimal.Decimal `json:"price"`
	SqrtPriceX96 *uint256.Int    `json:"sqrt_price_x96"`
	Tick         int32           `json:"tick"`
}

// NewPricePoint derives the sqrt price and tick of price.
func NewPricePoint(block uint64, price decimal.Decimal) (PricePoint, error) {
	if !price.IsPositive() {
		return PricePoint{}, fmt.Errorf("price %s must be positive", price)
	}
	sqrtP, err := tickmath.SqrtPriceX96FromPrice(price.BigFloat())
	if err != nil {
		return PricePoint{}, err
	}
	tick, err := tickmath.TickAtSqrtRatio(sqrtP)
	if err != nil {
		return PricePoint{}, err
	}
	return PricePoint{Block: block, Price: price, SqrtPriceX96: sqrtP, Tick: tick}, nil
}

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || r == ' ' || r == '\t'
}

// ReadPrices parses "block,price" rows. Fields may be separated by commas,
// semicolons or whitespace. A leading header row and blank lines are skipped.
func ReadPrices(r io.Reader) ([]PricePoint, error) {
	var out []PricePoint
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, isSeparator)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want block and price, got %q", line, text)
		}
		block, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			if len(out) == 0 && line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: block: %w", line, err)
		}
		price, err := decimal.NewFromString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: price: %w", line, err)
		}
		pt, err := NewPricePoint(block, price)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(out); n > 0 && block < out[n-1].Block {
			return nil, fmt.Errorf("line %d: block %d before %d", line, block, out[n-1].Block)
		}
		out = append(out, pt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoPrices
	}
	return out, nil
}

// FromSamples turns sampled pool prices into a series. Only samples of pool
// are kept when pool is non-empty. Prices are raw token1 per token0, matching
// the sampled sqrt price and tick.
func FromSamples(samples []model.PriceSample, pool string) ([]PricePoint, error) {
	var out []PricePoint
	for i, s := range samples {
		if pool != "" && !strings.EqualFold(s.Pool, pool) {
			continue
		}
		sqrtP, err := uint256.FromDecimal(s.SqrtPriceX96)
		if err != nil {
			return nil, fmt.Errorf("sample %d: sqrt price: %w", i, err)
		}
		if n := len(out); n > 0 && s.BlockNumber < out[n-1].Block {
			return nil, fmt.Errorf("sample %d: block %d before %d", i, s.BlockNumber, out[n-1].Block)
		}
		out = append(out, PricePoint{
			Block:        s.BlockNumber,
			Price:        dex.HumanPrice(sqrtP, 0, 0),
			SqrtPriceX96: sqrtP,
			Tick:         s.Tick,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoPrices
	}
	return out, nil
}
