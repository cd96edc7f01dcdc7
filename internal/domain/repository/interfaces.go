package repository

import (
	"context"

	"IntelliDetect/internal/domain/models"
)

// AnomalyPublisher ships anomaly events downstream (kafka).
type AnomalyPublisher interface {
	Publish(ctx context.Context, e *models.AnomalyEvent) error
	PublishBatch(ctx context.Context, events []*models.AnomalyEvent) error
	Close() error
}

// AnomalyStorage persists anomaly events (clickhouse).
type AnomalyStorage interface {
	Store(ctx context.Context, e *models.AnomalyEvent) error
	StoreBatch(ctx context.Context, events []*models.AnomalyEvent) error
	Health(ctx context.Context) error
	Close() error
}

// HistoryRecorder remembers detected points so later points can reference them.
type HistoryRecorder interface {
	Record(ctx context.Context, p *models.DataPoint) error
}

// HistoryStore records detected points and looks up their predecessors.
type HistoryStore interface {
	HistoryRecorder
	Previous(ctx context.Context, p *models.DataPoint, offset int) (*models.DataPoint, error)
}

// Requeuer schedules a deferred point for a later detection attempt.
type Requeuer interface {
	Requeue(ctx context.Context, p *models.DataPoint, reason string) error
}

type Metrics interface {
	RecordOutcome(strategy, outcome string)
	RecordError(kind string)
	RecordAnomalyScore(item string, score float64)
	RecordLatency(op string, seconds float64)
}

// ItemStore keeps the latest known config of each item. Points carry their
// item, so a deferred point refreshes its item from here before a retry.
type ItemStore interface {
	Save(ctx context.Context, item *models.Item) error
	// Get returns nil without error for unknown items.
	Get(ctx context.Context, id int64) (*models.Item, error)
}
