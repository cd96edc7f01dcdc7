package repository

import (
	"context"
	"fmt"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/pkg/queue"
)

// QueueRequeuer schedules deferred points on the work queue.
type QueueRequeuer struct {
	queue queue.Publisher
	delay time.Duration
	now   func() time.Time
}

var _ repository.Requeuer = (*QueueRequeuer)(nil)

// NewQueueRequeuer creates a requeuer that schedules points delay from now.
func NewQueueRequeuer(q queue.Publisher, delay time.Duration) *QueueRequeuer {
	return &QueueRequeuer{queue: q, delay: delay, now: time.Now}
}

func (r *QueueRequeuer) Requeue(ctx context.Context, p *models.DataPoint, reason string) error {
	now := r.now()
	msg := models.DeferredPoint{Point: p, Reason: reason, DeferredAt: now}
	if err := r.queue.EnqueueAt(ctx, models.DeferredPointType, msg, now.Add(r.delay)); err != nil {
		return fmt.Errorf("requeue point %s: %w", p.Key(), err)
	}
	return nil
}
