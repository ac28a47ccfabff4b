package storage

import (
	"context"

	"spikecore/internal/model"
)

// Store persists compiled models, run summaries and recorded probe series.
type Store interface {
	Init(ctx context.Context) error
	SaveModel(ctx context.Context, record model.ModelRecord) error
	GetModel(ctx context.Context, id string) (model.ModelRecord, bool, error)
	ListModels(ctx context.Context) ([]model.ModelRecord, error)
	SaveRun(ctx context.Context, record model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveProbeSeries(ctx context.Context, runID string, series []model.ProbeSeries) error
	GetProbeSeries(ctx context.Context, runID string) ([]model.ProbeSeries, bool, error)
}
