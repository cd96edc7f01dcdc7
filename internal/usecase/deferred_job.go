package usecase

import (
	"context"
	"encoding/json"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/logger"
	"IntelliDetect/pkg/queue"
)

// DeferredJob re-runs detection of points whose strategy was not ready.
// A point that is still not ready returns the NotReadyError, which the queue
// treats as a retry; after the retry limit it lands in the dead letter list.
type DeferredJob struct {
	processor *DetectProcessor
	log       *logger.Logger
}

func NewDeferredJob(processor *DetectProcessor, log *logger.Logger) *DeferredJob {
	if log == nil {
		log = logger.Nop()
	}
	return &DeferredJob{processor: processor, log: log}
}

func (j *DeferredJob) Name() string { return "deferred-detect" }

func (j *DeferredJob) Type() string { return models.DeferredPointType }

func (j *DeferredJob) Handle(ctx context.Context, payload json.RawMessage) error {
	msg, err := queue.ParsePayload[models.DeferredPoint](payload)
	if err != nil {
		return err
	}
	if msg.Point == nil || msg.Point.Item == nil {
		j.log.Warn("dropping deferred message without point")
		return nil
	}

	outcome, err := j.processor.Redetect(ctx, msg.Point)
	if err != nil {
		return err
	}
	j.log.Debug("deferred point detected",
		logger.String("point", msg.Point.Key()),
		logger.String("outcome", outcome.Kind.String()),
		logger.Duration("waited_ms", j.processor.now().Sub(msg.DeferredAt)),
	)
	return nil
}

var _ queue.Job = (*DeferredJob)(nil)
