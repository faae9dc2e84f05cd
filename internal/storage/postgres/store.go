package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/params"
)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_steps (
	run text NOT NULL,
	step integer NOT NULL,
	block bigint NOT NULL,
	tick integer NOT NULL,
	price numeric NOT NULL,
	state text NOT NULL,
	axis text NOT NULL,
	iterations integer NOT NULL,
	converged boolean NOT NULL,
	error text,
	immediate0 numeric NOT NULL,
	immediate1 numeric NOT NULL,
	passive0 numeric NOT NULL,
	passive1 numeric NOT NULL,
	lower_tick_lower integer NOT NULL,
	lower_tick_upper integer NOT NULL,
	lower_liquidity numeric NOT NULL,
	upper_tick_lower integer NOT NULL,
	upper_tick_upper integer NOT NULL,
	upper_liquidity numeric NOT NULL,
	capital numeric NOT NULL,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (run, step)
);
CREATE TABLE IF NOT EXISTS pool_price_samples (
	chain_id bigint NOT NULL,
	pool_address text NOT NULL,
	block_number bigint NOT NULL,
	block_ts bigint NOT NULL,
	sqrt_price_x96 numeric NOT NULL,
	tick integer NOT NULL,
	price numeric NOT NULL,
	liquidity numeric,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (chain_id, pool_address, block_number)
);
CREATE TABLE IF NOT EXISTS keeper_plans (
	id bigserial PRIMARY KEY,
	pool_address text NOT NULL,
	params_version bigint NOT NULL,
	oracle_tick integer NOT NULL,
	state text NOT NULL,
	axis text NOT NULL,
	converged boolean NOT NULL,
	error text,
	instructions jsonb,
	created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS params_versions (
	version bigint PRIMARY KEY,
	committed_by text NOT NULL,
	doc jsonb NOT NULL,
	created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS keeper_state (
	name text PRIMARY KEY,
	last_rebalance timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);
`

// Store provides Postgres persistence for the keeper and its harnesses.
type Store struct {
	// Governor is the only caller allowed to commit params, any caller when empty.
	Governor string

	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// PutSteps inserts or replaces backtest step rows.
func (s *Store) PutSteps(ctx context.Context, rows []model.StepRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO backtest_steps (
				run, step, block, tick, price, state, axis, iterations, converged, error,
				immediate0, immediate1, passive0, passive1,
				lower_tick_lower, lower_tick_upper, lower_liquidity,
				upper_tick_lower, upper_tick_upper, upper_liquidity, capital, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,now())
			ON CONFLICT (run, step)
			DO UPDATE SET
				block = EXCLUDED.block,
				tick = EXCLUDED.tick,
				price = EXCLUDED.price,
				state = EXCLUDED.state,
				axis = EXCLUDED.axis,
				iterations = EXCLUDED.iterations,
				converged = EXCLUDED.converged,
				error = EXCLUDED.error,
				immediate0 = EXCLUDED.immediate0,
				immediate1 = EXCLUDED.immediate1,
				passive0 = EXCLUDED.passive0,
				passive1 = EXCLUDED.passive1,
				lower_tick_lower = EXCLUDED.lower_tick_lower,
				lower_tick_upper = EXCLUDED.lower_tick_upper,
				lower_liquidity = EXCLUDED.lower_liquidity,
				upper_tick_lower = EXCLUDED.upper_tick_lower,
				upper_tick_upper = EXCLUDED.upper_tick_upper,
				upper_liquidity = EXCLUDED.upper_liquidity,
				capital = EXCLUDED.capital
		`,
			r.Run,
			r.Step,
			int64(r.Block),
			r.Tick,
			r.Price,
			r.State,
			r.Axis,
			r.Iterations,
			r.Converged,
			nullable(r.Error),
			r.Immediate0,
			r.Immediate1,
			r.Passive0,
			r.Passive1,
			r.LowerTickLower,
			r.LowerTickUpper,
			r.LowerLiquidity,
			r.UpperTickLower,
			r.UpperTickUpper,
			r.UpperLiquidity,
			r.Capital,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutSamples inserts or updates sampled pool prices.
func (s *Store) PutSamples(ctx context.Context, samples []model.PriceSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range samples {
		batch.Queue(`
			INSERT INTO pool_price_samples (
				chain_id, pool_address, block_number, block_ts, sqrt_price_x96, tick, price, liquidity, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
			ON CONFLICT (chain_id, pool_address, block_number)
			DO UPDATE SET
				block_ts = EXCLUDED.block_ts,
				sqrt_price_x96 = EXCLUDED.sqrt_price_x96,
				tick = EXCLUDED.tick,
				price = EXCLUDED.price,
				liquidity = EXCLUDED.liquidity
		`,
			int64(p.ChainID),
			p.Pool,
			int64(p.BlockNumber),
			int64(p.Timestamp),
			p.SqrtPriceX96,
			p.Tick,
			p.Price,
			nullable(p.Liquidity),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range samples {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutPlan records one live keeper plan.
func (s *Store) PutPlan(ctx context.Context, record model.PlanRecord) error {
	var instructions []byte
	if len(record.Instructions) > 0 {
		instructions = record.Instructions
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keeper_plans (
			pool_address, params_version, oracle_tick, state, axis, converged, error, instructions, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`,
		record.Pool,
		int64(record.ParamsVersion),
		record.OracleTick,
		record.State,
		record.Axis,
		record.Converged,
		nullable(record.Error),
		instructions,
	)
	return err
}

// Latest returns the highest committed params version.
func (s *Store) Latest(ctx context.Context) (params.Params, error) {
	p, ok, err := latestParams(ctx, s.pool)
	if err != nil {
		return params.Params{}, err
	}
	if !ok {
		return params.Params{}, params.ErrNotFound
	}
	if err := p.Validate(); err != nil {
		return params.Params{}, fmt.Errorf("version %d: %w", p.Version, err)
	}
	return p, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestParams(ctx context.Context, q queryRower) (params.Params, bool, error) {
	var doc []byte
	row := q.QueryRow(ctx, `SELECT doc FROM params_versions ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return params.Params{}, false, nil
		}
		return params.Params{}, false, err
	}
	var p params.Params
	if err := json.Unmarshal(doc, &p); err != nil {
		return params.Params{}, false, fmt.Errorf("parse params: %w", err)
	}
	return p, true, nil
}

// Commit stores p as the next version when caller is the governor.
func (s *Store) Commit(ctx context.Context, caller string, p params.Params) (params.Params, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return params.Params{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE params_versions IN EXCLUSIVE MODE`); err != nil {
		return params.Params{}, err
	}
	latest, ok, err := latestParams(ctx, tx)
	if err != nil {
		return params.Params{}, err
	}
	var prev *params.Params
	if ok {
		prev = &latest
	}
	committed, err := params.CheckCommit(s.Governor, caller, prev, p)
	if err != nil {
		return params.Params{}, err
	}
	doc, err := json.Marshal(committed)
	if err != nil {
		return params.Params{}, fmt.Errorf("marshal params: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO params_versions (version, committed_by, doc, created_at)
		VALUES ($1, $2, $3, now())
	`, int64(committed.Version), caller, doc); err != nil {
		return params.Params{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return params.Params{}, err
	}
	return committed, nil
}

// LoadState returns the last rebalance time for a name.
func (s *Store) LoadState(ctx context.Context, name string) (time.Time, bool, error) {
	if name == "" {
		return time.Time{}, false, fmt.Errorf("state name required")
	}
	var at time.Time
	row := s.pool.QueryRow(ctx, `SELECT last_rebalance FROM keeper_state WHERE name=$1`, name)
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return at, true, nil
}

// SaveState upserts the last rebalance time for a name.
func (s *Store) SaveState(ctx context.Context, name string, at time.Time) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keeper_state (name, last_rebalance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_rebalance = EXCLUDED.last_rebalance, updated_at = now()
	`, name, at.UTC())
	return err
}
