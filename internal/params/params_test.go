package params

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/ratio"
	"liquidityKeeper/internal/valuation"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{name: "odd width", mutate: func(p *Params) { p.Strategy.WidthTicks = 30 }},
		{name: "zero spacing", mutate: func(p *Params) { p.Strategy.TickSpacing = 0 }},
		{name: "unknown mode", mutate: func(p *Params) { p.Strategy.Mode = "stepwise" }},
		{name: "zero threshold", mutate: func(p *Params) { p.Thresholds.MinTokenDeviationD = 0 }},
		{name: "full slippage", mutate: func(p *Params) { p.Safety.MaxSlippageD = ratio.D }},
		{name: "no deadline", mutate: func(p *Params) { p.Safety.RebalanceDeadline = 0 }},
		{name: "narrow domain", mutate: func(p *Params) { p.Strategy.Domain = valuation.Range{Lower: 0, Upper: 20} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	p := Default()
	p.Strategy.Domain = valuation.Range{Lower: 10, Upper: -10}
	assert.True(t, errors.Is(p.Validate(), valuation.ErrInvalidRange))
}

func TestRatioInput(t *testing.T) {
	p := Default()
	p.Strategy.Mode = "discrete"
	p.Strategy.EdgeRounding = "inward"

	lower := valuation.Range{Lower: -50, Upper: 50}
	upper := valuation.Range{Lower: 0, Upper: 100}
	in, err := p.RatioInput(12, lower, upper)
	require.NoError(t, err)
	assert.Equal(t, ratio.Discrete, in.Mode)
	assert.Equal(t, ratio.Inward, in.EdgeRounding)
	assert.Equal(t, int32(12), in.Tick)
	assert.Equal(t, p.Strategy.ImmediateShareD, in.ImmediateShareD)
}

func TestMemoryStoreCommit(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(Default())
	require.NoError(t, err)
	store.Governor = "gov"

	next := Default()
	next.Version = 0
	next.Thresholds.MinTokenDeviationD = 1_000_000

	_, err = store.Commit(ctx, "intruder", next)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	committed, err := store.Commit(ctx, "gov", next)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), committed.Version)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), latest.Thresholds.MinTokenDeviationD)

	stale := Default()
	stale.Version = 2
	_, err = store.Commit(ctx, "gov", stale)
	assert.True(t, errors.Is(err, ErrStaleVersion))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &FileStore{Path: filepath.Join(t.TempDir(), "params", "params.yaml")}

	_, err := store.Latest(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	first := Default()
	first.Version = 0
	first.Strategy.MinRebalanceInterval = 90 * time.Second
	committed, err := store.Commit(ctx, "", first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), committed.Version)

	second := Default()
	second.Version = 0
	second.Safety.MaxSlippageD = 5_000_000
	_, err = store.Commit(ctx, "", second)
	require.NoError(t, err)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
	assert.Equal(t, uint64(5_000_000), latest.Safety.MaxSlippageD)
	assert.Equal(t, Default().Safety.OrderDeadline, latest.Safety.OrderDeadline)

	invalid := Default()
	invalid.Strategy.Mode = "bogus"
	_, err = store.Commit(ctx, "", invalid)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}
