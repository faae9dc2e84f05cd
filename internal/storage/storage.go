package storage

import (
	"context"

	"liquidityKeeper/internal/model"
)

// StepSink receives backtest step rows.
type StepSink interface {
	PutSteps(ctx context.Context, rows []model.StepRow) error
}

// SampleSink receives sampled pool prices.
type SampleSink interface {
	PutSamples(ctx context.Context, samples []model.PriceSample) error
}

// PlanSink receives live keeper plans.
type PlanSink interface {
	PutPlan(ctx context.Context, record model.PlanRecord) error
}
