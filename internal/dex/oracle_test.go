package dex

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/tickmath"
)

var (
	poolAddr   = common.HexToAddress("0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640")
	token0Addr = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	token1Addr = common.HexToAddress("0xc02aaa39b223fe8d0a5e5c4f27ead9083c756cc2")
)

// fakeChain answers pool and ERC20 calls from fixed state.
type fakeChain struct {
	spotTick  int32
	avgTick   int64
	maxWindow uint32
	slot0Err  error
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if *msg.To != poolAddr {
		return f.token(*msg.To, msg.Data)
	}
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, err
	}
	method, err := poolABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "slot0":
		if f.slot0Err != nil {
			return nil, f.slot0Err
		}
		sqrtP := tickmath.MustSqrtRatioAtTick(f.spotTick)
		return method.Outputs.Pack(sqrtP.ToBig(), big.NewInt(int64(f.spotTick)), uint16(7), uint16(100), uint16(100), uint8(0), true)
	case "observe":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		agos := args[0].([]uint32)
		if agos[0] > f.maxWindow {
			return nil, errors.New("execution reverted: OLD")
		}
		newer := big.NewInt(9_000_000)
		older := new(big.Int).Sub(newer, big.NewInt(f.avgTick*int64(agos[0])))
		return method.Outputs.Pack([]*big.Int{older, newer}, []*big.Int{big.NewInt(0), big.NewInt(0)})
	case "liquidity":
		return method.Outputs.Pack(big.NewInt(5_000_000))
	case "token0":
		return method.Outputs.Pack(token0Addr)
	case "token1":
		return method.Outputs.Pack(token1Addr)
	case "fee":
		return method.Outputs.Pack(big.NewInt(500))
	case "tickSpacing":
		return method.Outputs.Pack(big.NewInt(10))
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeChain) token(addr common.Address, data []byte) ([]byte, error) {
	erc20, err := erc20ABIStringInstance()
	if err != nil {
		return nil, err
	}
	method, err := erc20.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	decimals, symbol := uint8(6), "USDC"
	if addr == token1Addr {
		decimals, symbol = 18, "WETH"
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(decimals)
	case "symbol":
		return method.Outputs.Pack(symbol)
	case "balanceOf":
		if addr == token1Addr {
			return method.Outputs.Pack(big.NewInt(7_000_000_000_000_000_000))
		}
		return method.Outputs.Pack(big.NewInt(2_500_000_000))
	default:
		return method.Outputs.Pack(symbol + " token")
	}
}

func TestAverageTick(t *testing.T) {
	cases := []struct {
		older, newer int64
		window       uint32
		want         int32
	}{
		{0, 180_000, 1800, 100},
		{0, -1800, 1800, -1},
		{0, -1801, 1800, -2},
		{500, 500, 60, 0},
	}
	for _, tc := range cases {
		got, err := AverageTick(big.NewInt(tc.older), big.NewInt(tc.newer), tc.window)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%d -> %d over %d", tc.older, tc.newer, tc.window)
	}

	_, err := AverageTick(big.NewInt(0), big.NewInt(1), 0)
	assert.Error(t, err)
	_, err = AverageTick(big.NewInt(0), big.NewInt(900_000), 1)
	assert.Error(t, err)
}

func TestOracleObserveAllChecks(t *testing.T) {
	chain := &fakeChain{spotTick: 105, avgTick: 100, maxWindow: 3600}
	obs, err := NewOracle(DefaultOracleConfig(poolAddr), chain, nil).Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(100), obs.Tick)
	assert.Equal(t, tickmath.MustSqrtRatioAtTick(100), obs.SqrtPriceX96)
	want := FlagSpot | FlagShortWindow | FlagMediumWindow | FlagLongWindow | FlagNearSpot
	assert.Equal(t, want, obs.SafetyFlags)
}

func TestOracleObserveShortHistory(t *testing.T) {
	chain := &fakeChain{spotTick: -40, avgTick: -42, maxWindow: 600}
	obs, err := NewOracle(DefaultOracleConfig(poolAddr), chain, nil).Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(-42), obs.Tick)
	assert.Zero(t, obs.SafetyFlags&FlagLongWindow)
	assert.NotZero(t, obs.SafetyFlags&FlagMediumWindow)
	assert.NotZero(t, obs.SafetyFlags&FlagNearSpot)
}

func TestOracleObserveSpotFarFromAverage(t *testing.T) {
	chain := &fakeChain{spotTick: 400, avgTick: 100, maxWindow: 3600}
	obs, err := NewOracle(DefaultOracleConfig(poolAddr), chain, nil).Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(100), obs.Tick)
	assert.Zero(t, obs.SafetyFlags&FlagNearSpot)
}

func TestOracleObserveNoPrice(t *testing.T) {
	chain := &fakeChain{maxWindow: 0, slot0Err: errors.New("rpc down")}
	_, err := NewOracle(DefaultOracleConfig(poolAddr), chain, nil).Observe(context.Background())
	assert.Error(t, err)
}

func TestReadSlot0AndMeta(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{spotTick: -2000}

	slot0, err := ReadSlot0(ctx, chain, poolAddr, 17_000_000)
	require.NoError(t, err)
	assert.Equal(t, int32(-2000), slot0.Tick)
	assert.Equal(t, tickmath.MustSqrtRatioAtTick(-2000), slot0.SqrtPriceX96)

	liq, err := ReadLiquidity(ctx, chain, poolAddr, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), liq.Int64())

	tokens := NewTokenMetaCache()
	meta, err := FetchPoolMeta(ctx, chain, poolAddr, tokens, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), meta.Fee)
	assert.Equal(t, int32(10), meta.TickSpacing)
	assert.Equal(t, uint8(6), meta.Token0Decimals)
	assert.Equal(t, uint8(18), meta.Token1Decimals)

	usdc, ok := tokens.Get(token0Addr)
	require.True(t, ok)
	assert.Equal(t, "USDC", usdc.Symbol)
}

func TestBalanceOf(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	bal0, err := BalanceOf(ctx, &fakeChain{}, token0Addr, owner, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), bal0.Uint64())

	bal1, err := BalanceOf(ctx, &fakeChain{}, token1Addr, owner, 17_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7_000_000_000_000_000_000), bal1.Uint64())

	_, err = BalanceOf(ctx, nil, token0Addr, owner, 0)
	assert.Error(t, err)
}
