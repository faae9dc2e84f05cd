package sampler

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/dex"
	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/tickmath"
)

var (
	testPool   = common.HexToAddress("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")
	testToken0 = common.HexToAddress("0x1f9840a85d5af5b5bf835d9554c01ceddd49d4ef")
	testToken1 = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
)

const decimalsABI = `[{"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"}]`

// chainStub serves a pool whose tick equals block-100.
type chainStub struct {
	latest      uint64
	slot0Errors int

	mu    sync.Mutex
	calls int
}

func (c *chainStub) GetChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *chainStub) LatestBlockNumber(ctx context.Context) (uint64, error) { return c.latest, nil }

func (c *chainStub) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number*12, nil
}

func (c *chainStub) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if *msg.To != testPool {
		erc20, err := abi.JSON(strings.NewReader(decimalsABI))
		if err != nil {
			return nil, err
		}
		method, err := erc20.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(uint8(18))
	}

	poolABI, err := dex.V3PoolABI()
	if err != nil {
		return nil, err
	}
	method, err := poolABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "slot0":
		c.mu.Lock()
		c.calls++
		fail := c.calls <= c.slot0Errors
		c.mu.Unlock()
		if fail {
			return nil, errors.New("connection reset")
		}
		tick := int32(block.Int64() - 100)
		sqrtP := tickmath.MustSqrtRatioAtTick(tick)
		return method.Outputs.Pack(sqrtP.ToBig(), big.NewInt(int64(tick)), uint16(0), uint16(1), uint16(1), uint8(0), true)
	case "liquidity":
		return method.Outputs.Pack(big.NewInt(42))
	case "token0":
		return method.Outputs.Pack(testToken0)
	case "token1":
		return method.Outputs.Pack(testToken1)
	case "fee":
		return method.Outputs.Pack(big.NewInt(3000))
	case "tickSpacing":
		return method.Outputs.Pack(big.NewInt(60))
	}
	return nil, errors.New("unexpected method " + method.Name)
}

type memorySink struct {
	batches [][]model.PriceSample
}

func (m *memorySink) PutSamples(ctx context.Context, samples []model.PriceSample) error {
	m.batches = append(m.batches, samples)
	return nil
}

func (m *memorySink) all() []model.PriceSample {
	var out []model.PriceSample
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestRunnerSamplesGrid(t *testing.T) {
	sink := &memorySink{}
	runner := NewRunner(Config{
		Pools:         []common.Address{testPool},
		FromBlock:     100,
		ToBlock:       130,
		Step:          10,
		BatchSize:     15,
		WithLiquidity: true,
	}, &chainStub{}, sink, nil)

	n, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, sink.batches, 3)

	samples := sink.all()
	require.Len(t, samples, 4)
	for i, s := range samples {
		block := uint64(100 + 10*i)
		assert.Equal(t, block, s.BlockNumber)
		assert.Equal(t, int32(block-100), s.Tick)
		assert.Equal(t, 1_700_000_000+block*12, s.Timestamp)
		assert.Equal(t, testPool.Hex(), s.Pool)
		assert.Equal(t, "42", s.Liquidity)
		assert.Equal(t, uint64(1), s.ChainID)
	}
	assert.Equal(t, "1", samples[0].Price)
	assert.Equal(t, tickmath.Q96.Dec(), samples[0].SqrtPriceX96)
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampler.json")
	cfg := Config{
		Pools:             []common.Address{testPool},
		FromBlock:         100,
		ToBlock:           120,
		Step:              10,
		BatchSize:         100,
		CheckpointPath:    path,
		CheckpointEnabled: true,
	}

	first := &memorySink{}
	n, err := NewRunner(cfg, &chainStub{}, first, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cfg.ToBlock = 0
	second := &memorySink{}
	n, err = NewRunner(cfg, &chainStub{latest: 150}, second, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	blocks := []uint64{}
	for _, s := range second.all() {
		blocks = append(blocks, s.BlockNumber)
	}
	assert.Equal(t, []uint64{130, 140, 150}, blocks)

	// same range again: nothing left
	n, err = NewRunner(cfg, &chainStub{latest: 150}, &memorySink{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckpointRejectsOtherPools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampler.json")
	store := NewCheckpointStore(path, true)
	require.NoError(t, store.Save(10, []string{testPool.Hex()}))

	_, _, err := store.Load([]string{testToken0.Hex()})
	assert.Error(t, err)

	cp, ok, err := store.Load([]string{testPool.Hex()})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), cp.LastSampledBlock)
}

func TestRunnerRetriesSlot0(t *testing.T) {
	cfg := Config{
		Pools:     []common.Address{testPool},
		FromBlock: 100,
		ToBlock:   100,
		BatchSize: 1,
		Retry:     RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
	}

	n, err := NewRunner(cfg, &chainStub{slot0Errors: 2}, &memorySink{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewRunner(cfg, &chainStub{slot0Errors: 3}, &memorySink{}, nil).Run(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestParseAddresses(t *testing.T) {
	got, err := ParseAddresses([]string{" " + testPool.Hex(), "", strings.ToLower(testPool.Hex())})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testPool}, got)

	_, err = ParseAddresses([]string{"0x1234"})
	assert.Error(t, err)
}
