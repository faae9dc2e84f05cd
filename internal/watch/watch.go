package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/robfig/cron"
	"go.uber.org/zap"

	"liquidityKeeper/internal/model"
	"liquidityKeeper/internal/params"
	"liquidityKeeper/internal/rebalance"
	"liquidityKeeper/internal/storage"
)

// DefaultSchedule runs every minute, on the minute.
const DefaultSchedule = "0 * * * * *"

// SpotFunc returns the pool's current sqrt price.
type SpotFunc func(ctx context.Context) (*uint256.Int, error)

// Config holds the watcher's settings.
type Config struct {
	Pool          string
	Schedule      string
	MaxIterations int
}

// Deps are the collaborators of a Watcher. State and Plans may be nil.
type Deps struct {
	Params    params.Store
	Oracle    rebalance.Oracle
	Spot      SpotFunc
	Portfolio SnapshotSource
	State     storage.StateStore
	Plans     storage.PlanSink
	Now       func() time.Time
}

// Watcher evaluates the live portfolio on a schedule and publishes the
// instructions a custodian should carry out.
type Watcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	running  sync.Mutex
	inflight sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Watcher{cfg: cfg, deps: deps, logger: logger.With(zap.String("pool", cfg.Pool))}
}

// Tick runs one evaluation and records the outcome. The returned report
// carries the controller's error, if any, in Err.
func (w *Watcher) Tick(ctx context.Context) (rebalance.Report, error) {
	if w.deps.Params == nil || w.deps.Oracle == nil || w.deps.Portfolio == nil {
		return rebalance.Report{}, fmt.Errorf("watcher is missing params, oracle or portfolio")
	}

	snap, err := w.deps.Portfolio.Load(ctx)
	if err != nil {
		return rebalance.Report{}, fmt.Errorf("load portfolio: %w", err)
	}
	if w.deps.Spot != nil {
		if snap.SqrtPriceX96, err = w.deps.Spot(ctx); err != nil {
			return rebalance.Report{}, fmt.Errorf("read spot price: %w", err)
		}
	}

	var last time.Time
	if w.deps.State != nil {
		if last, _, err = w.deps.State.Load(ctx); err != nil {
			return rebalance.Report{}, fmt.Errorf("load keeper state: %w", err)
		}
	}

	ledger := NewLedger(snap)
	controller := rebalance.NewController(w.deps.Params, w.deps.Oracle, ledger, ledger,
		rebalance.WithLogger(w.logger), rebalance.WithClock(w.deps.Now))
	report, runErr := controller.Rebalance(ctx, rebalance.Request{
		MaxIterations: w.cfg.MaxIterations,
		LastRebalance: last,
	})

	if err := w.record(ctx, report, ledger.Instructions()); err != nil {
		return report, err
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return report, runErr
		}
		return report, nil
	}
	if len(report.Instructions) > 0 && w.deps.State != nil {
		if err := w.deps.State.Save(ctx, report.StartedAt); err != nil {
			return report, fmt.Errorf("save keeper state: %w", err)
		}
	}
	return report, nil
}

func (w *Watcher) record(ctx context.Context, report rebalance.Report, instructions []rebalance.Instruction) error {
	if w.deps.Plans == nil {
		return nil
	}
	rec := model.PlanRecord{
		Pool:          w.cfg.Pool,
		ParamsVersion: report.ParamsVersion,
		OracleTick:    report.Observation.Tick,
		State:         report.State.String(),
		Axis:          report.Axis.String(),
		Converged:     report.Converged,
		CreatedAt:     w.deps.Now().UTC().Format(time.RFC3339Nano),
	}
	if report.Err != nil {
		rec.Error = report.Err.Error()
	}
	if len(instructions) == 0 {
		instructions = report.Instructions
	}
	if len(instructions) > 0 {
		raw, err := json.Marshal(instructions)
		if err != nil {
			return fmt.Errorf("marshal instructions: %w", err)
		}
		rec.Instructions = raw
	}
	if err := w.deps.Plans.PutPlan(ctx, rec); err != nil {
		return fmt.Errorf("store plan: %w", err)
	}
	return nil
}

func (w *Watcher) runScheduled(ctx context.Context) {
	if !w.running.TryLock() {
		w.logger.Warn("previous evaluation still running, skipping")
		return
	}
	defer w.running.Unlock()

	report, err := w.Tick(ctx)
	if err != nil {
		w.logger.Error("evaluation failed", zap.Error(err))
		return
	}
	w.logger.Info("evaluation complete",
		zap.Stringer("state", report.State),
		zap.Int("instructions", len(report.Instructions)),
	)
}

// Run evaluates on the configured cron schedule until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	c := cron.New()
	if err := c.AddFunc(w.cfg.Schedule, func() {
		w.inflight.Add(1)
		defer w.inflight.Done()
		w.runScheduled(ctx)
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", w.cfg.Schedule, err)
	}
	c.Start()
	w.logger.Info("watcher started", zap.String("schedule", w.cfg.Schedule))

	<-ctx.Done()
	c.Stop()
	w.inflight.Wait()
	w.logger.Info("watcher stopped")
	return nil
}
