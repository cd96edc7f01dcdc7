package service

import (
	"context"

	"IntelliDetect/internal/domain/models"
)

// PredictionClient calls the SDK prediction service for a single point.
type PredictionClient interface {
	Predict(ctx context.Context, req models.PredictionRequest) ([]models.PredictionRecord, error)
}

// GroupPredictClient calls the SDK prediction service for a batch of series.
type GroupPredictClient interface {
	GroupPredict(ctx context.Context, req models.GroupPredictRequest) ([]models.GroupPredictResult, error)
}

// ExpressionEvaluator evaluates detection predicates and renders alert messages.
type ExpressionEvaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	Render(template string, env map[string]interface{}) (string, error)
}

// HistoryPointFetcher returns the point observed offset seconds before p,
// or nil when there is none.
type HistoryPointFetcher interface {
	Previous(ctx context.Context, p *models.DataPoint, offset int) (*models.DataPoint, error)
}
