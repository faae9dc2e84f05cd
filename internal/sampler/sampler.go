package sampler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityKeeper/internal/dex"
	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/storage"
)

// ChainReader is the slice of the chain client the sampler needs.
type ChainReader interface {
	dex.Caller
	GetChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Config holds runtime settings for the sampler.
type Config struct {
	Pools     []common.Address
	FromBlock uint64
	// ToBlock zero samples up to the latest block.
	ToBlock uint64
	// Step is the block distance between samples.
	Step      uint64
	BatchSize uint64
	// WithLiquidity also records the pool's in-range liquidity.
	WithLiquidity     bool
	CheckpointPath    string
	CheckpointEnabled bool
	Retry             RetryPolicy
}

// Runner reads pool prices along a block grid and writes them to a sink.
type Runner struct {
	cfg        Config
	chain      ChainReader
	sink       storage.SampleSink
	logger     *zap.Logger
	pools      *dex.PoolMetaCache
	tokens     *dex.TokenMetaCache
	checkpoint *CheckpointStore
}

func NewRunner(cfg Config, chainClient ChainReader, sink storage.SampleSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		chain:      chainClient,
		sink:       sink,
		logger:     logger,
		pools:      dex.NewPoolMetaCache(),
		tokens:     dex.NewTokenMetaCache(),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
	}
}

func (r *Runner) poolKeys() []string {
	keys := make([]string, len(r.cfg.Pools))
	for i, p := range r.cfg.Pools {
		keys[i] = p.Hex()
	}
	return keys
}

// Run samples every configured pool and returns the number of samples written.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if r.chain == nil {
		return 0, fmt.Errorf("chain client is nil")
	}
	if r.sink == nil {
		return 0, fmt.Errorf("sample sink is nil")
	}
	if r.cfg.BatchSize == 0 {
		return 0, fmt.Errorf("batch size must be greater than zero")
	}
	if len(r.cfg.Pools) == 0 {
		return 0, fmt.Errorf("at least one pool is required")
	}

	chainID, err := r.chain.GetChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return 0, fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}

	from, to := r.cfg.FromBlock, r.cfg.ToBlock
	if to == 0 {
		if to, err = r.chain.LatestBlockNumber(ctx); err != nil {
			return 0, fmt.Errorf("get latest block: %w", err)
		}
	}

	keys := r.poolKeys()
	cp, ok, err := r.checkpoint.Load(keys)
	if err != nil {
		return 0, err
	}
	if ok && cp.LastSampledBlock >= from {
		from = cp.LastSampledBlock + 1
		r.logger.Info("resume from checkpoint", zap.Uint64("last_sampled", cp.LastSampledBlock), zap.Uint64("from", from))
	}
	if from > to {
		r.logger.Info("nothing to sample", zap.Uint64("from", from), zap.Uint64("to", to))
		return 0, nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		blocks := blockRange.Blocks(r.cfg.FromBlock, r.cfg.Step)
		samples := make([]model.PriceSample, 0, len(blocks)*len(r.cfg.Pools))
		for _, block := range blocks {
			batch, err := r.sampleBlock(ctx, chainID.Uint64(), block)
			if err != nil {
				return written, err
			}
			samples = append(samples, batch...)
		}

		if len(samples) > 0 {
			if err := r.sink.PutSamples(ctx, samples); err != nil {
				return written, fmt.Errorf("store samples: %w", err)
			}
		}
		written += len(samples)

		if err := r.checkpoint.Save(blockRange.To, keys); err != nil {
			return written, err
		}
		r.logger.Info("batch complete", zap.Int("samples", len(samples)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return written, nil
}

func (r *Runner) sampleBlock(ctx context.Context, chainID, block uint64) ([]model.PriceSample, error) {
	var ts uint64
	err := r.cfg.Retry.do(ctx, func(ctx context.Context) error {
		var err error
		ts, err = r.chain.BlockTimestamp(ctx, block)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", block))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("block timestamp %d: %w", block, err)
	}

	observedAt := time.Now().UTC().Format(time.RFC3339Nano)
	out := make([]model.PriceSample, 0, len(r.cfg.Pools))
	for _, pool := range r.cfg.Pools {
		meta, err := r.poolMeta(ctx, pool)
		if err != nil {
			return nil, err
		}

		var slot0 dex.Slot0
		err = r.cfg.Retry.do(ctx, func(ctx context.Context) error {
			var err error
			slot0, err = dex.ReadSlot0(ctx, r.chain, pool, block)
			if err != nil {
				r.logger.Warn("slot0 read failed", zap.Error(err), zap.String("pool", pool.Hex()), zap.Uint64("block_number", block))
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("slot0 %s at %d: %w", pool.Hex(), block, err)
		}

		sample := model.PriceSample{
			ChainID:      chainID,
			Pool:         pool.Hex(),
			BlockNumber:  block,
			Timestamp:    ts,
			SqrtPriceX96: slot0.SqrtPriceX96.Dec(),
			Tick:         slot0.Tick,
			Price:        dex.HumanPrice(slot0.SqrtPriceX96, meta.Token0Decimals, meta.Token1Decimals).String(),
			ObservedAt:   observedAt,
		}

		if r.cfg.WithLiquidity {
			err = r.cfg.Retry.do(ctx, func(ctx context.Context) error {
				liquidity, err := dex.ReadLiquidity(ctx, r.chain, pool, block)
				if err == nil {
					sample.Liquidity = liquidity.String()
				}
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("liquidity %s at %d: %w", pool.Hex(), block, err)
			}
		}
		out = append(out, sample)
	}
	return out, nil
}

func (r *Runner) poolMeta(ctx context.Context, pool common.Address) (model.PoolMeta, error) {
	if meta, ok := r.pools.Get(pool); ok {
		return meta, nil
	}
	var meta model.PoolMeta
	err := r.cfg.Retry.do(ctx, func(ctx context.Context) error {
		var err error
		meta, err = dex.FetchPoolMeta(ctx, r.chain, pool, r.tokens, r.logger)
		return err
	})
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("pool metadata %s: %w", pool.Hex(), err)
	}
	r.pools.Set(pool, meta)
	r.logger.Debug("pool metadata loaded", zap.String("pool", pool.Hex()),
		zap.Uint8("token0_decimals", meta.Token0Decimals), zap.Uint8("token1_decimals", meta.Token1Decimals))
	return meta, nil
}
