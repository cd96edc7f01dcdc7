package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/models"
	drepo "IntelliDetect/internal/domain/repository"
	pkgkafka "IntelliDetect/pkg/kafka"
	"IntelliDetect/pkg/logger"
	"IntelliDetect/pkg/util"
)

// PointsHandler consumes point messages from Kafka and runs them through
// the processor as one batch per message.
type PointsHandler struct {
	topic     string
	processor *DetectProcessor
	validate  *validator.Validate
	metrics   drepo.Metrics
	log       *logger.Logger
}

func NewPointsHandler(topic string, processor *DetectProcessor, metrics drepo.Metrics, log *logger.Logger) *PointsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &PointsHandler{
		topic:     topic,
		processor: processor,
		validate:  validator.New(),
		metrics:   metrics,
		log:       log,
	}
}

func (h *PointsHandler) Topic() string { return h.topic }

// Handle accepts a single point object or an array of points. Malformed
// payloads are permanent failures; invalid points are dropped and counted.
// Only a failed publish is returned for retry.
func (h *PointsHandler) Handle(ctx context.Context, b []byte) error {
	points, err := decodePoints(b)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return pkgkafka.Permanent(err)
	}

	valid := make([]*models.DataPoint, 0, len(points))
	for _, p := range points {
		if err := h.validate.Struct(p); err != nil {
			h.metrics.RecordError(string(detect.CodeInvalidPoint))
			h.log.Warn("dropping invalid point", logger.String("record_id", p.RecordID), logger.Error(err))
			continue
		}
		NormalizeTimestamp(p)
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}

	// event time to now, approximate
	h.metrics.RecordLatency("ingest_lag", time.Since(time.Unix(valid[0].Timestamp, 0)).Seconds())

	results, err := h.processor.ProcessBatch(ctx, valid)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		h.log.Debug("batch finished with failed points",
			logger.Int("points", len(results)),
			logger.Int("failed", failed),
			logger.String("trace_id", pkgkafka.TraceIDFrom(ctx)),
		)
	}
	return nil
}

func decodePoints(b []byte) ([]*models.DataPoint, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if b[0] == '[' {
		var points []*models.DataPoint
		if err := json.Unmarshal(b, &points); err != nil {
			return nil, fmt.Errorf("decode points: %w", err)
		}
		out := points[:0]
		for _, p := range points {
			if p != nil {
				out = append(out, p)
			}
		}
		return out, nil
	}
	var p models.DataPoint
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode point: %w", err)
	}
	return []*models.DataPoint{&p}, nil
}

// NormalizeTimestamp accepts producers that send milliseconds.
func NormalizeTimestamp(p *models.DataPoint) {
	if p.Timestamp > 1e11 {
		p.Timestamp = util.MsToSeconds(p.Timestamp)
	}
}

var _ pkgkafka.MessageHandler = (*PointsHandler)(nil)
