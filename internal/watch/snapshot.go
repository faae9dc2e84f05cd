package watch

import (
	"context"
	"fmt"
	"os"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/valuation"
)

// SnapshotSource reads the compartments held by the external custodian.
type SnapshotSource interface {
	Load(ctx context.Context) (rebalance.Snapshot, error)
}

type balancesDoc struct {
	Token0 string `yaml:"token0"`
	Token1 string `yaml:"token1"`
}

type positionDoc struct {
	Lower     int32  `yaml:"lower"`
	Upper     int32  `yaml:"upper"`
	Liquidity string `yaml:"liquidity"`
}

type snapshotDoc struct {
	Immediate balancesDoc `yaml:"immediate"`
	Passive   balancesDoc `yaml:"passive"`
	Lower     positionDoc `yaml:"lower_position"`
	Upper     positionDoc `yaml:"upper_position"`
}

// FileSnapshot loads a portfolio from a YAML (or JSON) document. Amounts are
// decimal strings in token base units.
type FileSnapshot struct {
	Path string
}

func (f FileSnapshot) Load(ctx context.Context) (rebalance.Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("read portfolio: %w", err)
	}
	var doc snapshotDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("parse portfolio: %w", err)
	}

	var snap rebalance.Snapshot
	if snap.Immediate, err = doc.Immediate.balances(); err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("immediate: %w", err)
	}
	if snap.Passive, err = doc.Passive.balances(); err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("passive: %w", err)
	}
	if snap.Lower, err = doc.Lower.position(); err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("lower position: %w", err)
	}
	if snap.Upper, err = doc.Upper.position(); err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("upper position: %w", err)
	}
	return snap, nil
}

func amount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

func (d balancesDoc) balances() (rebalance.Balances, error) {
	a0, err := amount(d.Token0)
	if err != nil {
		return rebalance.Balances{}, fmt.Errorf("token0: %w", err)
	}
	a1, err := amount(d.Token1)
	if err != nil {
		return rebalance.Balances{}, fmt.Errorf("token1: %w", err)
	}
	return rebalance.NewBalances(a0, a1), nil
}

func (d positionDoc) position() (rebalance.Position, error) {
	l, err := amount(d.Liquidity)
	if err != nil {
		return rebalance.Position{}, fmt.Errorf("liquidity: %w", err)
	}
	r := valuation.Range{Lower: d.Lower, Upper: d.Upper}
	if r != (valuation.Range{}) {
		if err := r.Validate(); err != nil {
			return rebalance.Position{}, err
		}
	} else if !l.IsZero() {
		return rebalance.Position{}, fmt.Errorf("%s liquidity without a range", l.Dec())
	}
	return rebalance.Position{Range: r, Liquidity: l}, nil
}

// BalanceFunc reads one token balance of the custodian.
type BalanceFunc func(ctx context.Context, token int) (*uint256.Int, error)

// LiveReserve replaces the immediate reserve of Base with balances read
// from chain. Passive holdings and positions still come from Base.
type LiveReserve struct {
	Base    SnapshotSource
	Balance BalanceFunc
}

func (l LiveReserve) Load(ctx context.Context) (rebalance.Snapshot, error) {
	snap, err := l.Base.Load(ctx)
	if err != nil {
		return rebalance.Snapshot{}, err
	}
	a0, err := l.Balance(ctx, 0)
	if err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("token0 balance: %w", err)
	}
	a1, err := l.Balance(ctx, 1)
	if err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("token1 balance: %w", err)
	}
	snap.Immediate = rebalance.NewBalances(a0, a1)
	return snap, nil
}
