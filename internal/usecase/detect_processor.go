package usecase

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/models"
	drepo "IntelliDetect/internal/domain/repository"
	"IntelliDetect/pkg/logger"
)

const (
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
)

// ProcessorConfig tunes a DetectProcessor.
type ProcessorConfig struct {
	// Backend selects where anomaly events go: kafka or clickhouse.
	Backend string
	// PreDetect batches the SDK calls of a run through group predict.
	PreDetect bool
	// Workers bounds how many items are detected concurrently.
	Workers int
}

// Result is the detection result of one point of a batch.
type Result struct {
	Point   *models.DataPoint
	Outcome detect.Outcome
	Err     error
}

// DetectProcessor runs the detection strategy over points and fans the
// outcomes out: anomalies to the configured backend, detected points to the
// history store, deferred points back to the queue.
type DetectProcessor struct {
	strategy *detect.IntelligentDetect
	pub      drepo.AnomalyPublisher
	store    drepo.AnomalyStorage
	history  drepo.HistoryRecorder
	items    drepo.ItemStore
	requeuer drepo.Requeuer
	metrics  drepo.Metrics
	log      *logger.Logger
	cfg      ProcessorConfig
	now      func() time.Time
}

// NewDetectProcessor creates a processor. pub or store may be nil when the
// other backend is selected; history, items and requeuer are optional.
func NewDetectProcessor(
	strategy *detect.IntelligentDetect,
	pub drepo.AnomalyPublisher,
	store drepo.AnomalyStorage,
	history drepo.HistoryRecorder,
	items drepo.ItemStore,
	requeuer drepo.Requeuer,
	metrics drepo.Metrics,
	log *logger.Logger,
	cfg ProcessorConfig,
) *DetectProcessor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DetectProcessor{
		strategy: strategy,
		pub:      pub,
		store:    store,
		history:  history,
		items:    items,
		requeuer: requeuer,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Process detects a single point. A deferred point is requeued and reported
// as a Deferred outcome without error.
func (p *DetectProcessor) Process(ctx context.Context, point *models.DataPoint) (detect.Outcome, error) {
	p.saveItems(ctx, []*models.DataPoint{point})

	outcome, event, err := p.detectOne(ctx, p.strategy, point, true)
	if err != nil {
		return outcome, err
	}
	if event != nil {
		if err := p.publish(ctx, []*models.AnomalyEvent{event}); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// Redetect retries a deferred point with the latest known config of its
// item. It never requeues: a still-deferred point returns the NotReadyError
// so the caller's queue schedules the next attempt.
func (p *DetectProcessor) Redetect(ctx context.Context, point *models.DataPoint) (detect.Outcome, error) {
	point = p.refreshItem(ctx, point)

	outcome, event, err := p.detectOne(ctx, p.strategy, point, false)
	if err != nil {
		return outcome, err
	}
	if event != nil {
		if err := p.publish(ctx, []*models.AnomalyEvent{event}); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// ProcessBatch detects a run of points. Items are detected concurrently,
// the points of one item sequentially in timestamp order so each point can
// see its predecessor in history. Per-point failures are reported in the
// results; the returned error is only set when publishing the anomalies of
// the run fails. Results follow the input order.
func (p *DetectProcessor) ProcessBatch(ctx context.Context, points []*models.DataPoint) ([]Result, error) {
	if len(points) == 0 {
		return nil, nil
	}
	start := time.Now()
	p.saveItems(ctx, points)

	strategy := p.strategy
	if p.cfg.PreDetect {
		bound, err := p.strategy.PreDetect(ctx, points)
		if err != nil {
			p.metrics.RecordError("predetect_fallback")
			p.log.Warn("pre-detect failed, falling back to per-point predict", logger.Error(err))
		} else {
			strategy = bound
		}
	}

	results := make([]Result, len(points))
	events := make([][]*models.AnomalyEvent, len(points))

	byItem := make(map[int64][]int)
	var order []int64
	for i, pt := range points {
		results[i].Point = pt
		var id int64
		if pt != nil && pt.Item != nil {
			id = pt.Item.ID
		}
		if _, ok := byItem[id]; !ok {
			order = append(order, id)
		}
		byItem[id] = append(byItem[id], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, id := range order {
		idx := byItem[id]
		sort.SliceStable(idx, func(a, b int) bool {
			return timestampOf(points[idx[a]]) < timestampOf(points[idx[b]])
		})
		g.Go(func() error {
			for _, i := range idx {
				outcome, event, err := p.detectOne(gctx, strategy, points[i], true)
				results[i].Outcome, results[i].Err = outcome, err
				if event != nil {
					events[i] = []*models.AnomalyEvent{event}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var anomalies []*models.AnomalyEvent
	for _, e := range events {
		anomalies = append(anomalies, e...)
	}
	if err := p.publish(ctx, anomalies); err != nil {
		return results, err
	}

	p.metrics.RecordLatency("process_batch", time.Since(start).Seconds())
	return results, nil
}

func timestampOf(pt *models.DataPoint) int64 {
	if pt == nil {
		return 0
	}
	return pt.Timestamp
}

// detectOne runs the strategy on one point and records its side effects.
// With requeue set a deferred point is handed to the requeuer and reported
// without error.
func (p *DetectProcessor) detectOne(ctx context.Context, s *detect.IntelligentDetect, point *models.DataPoint, requeue bool) (detect.Outcome, *models.AnomalyEvent, error) {
	outcome, err := s.Detect(ctx, point)
	if err != nil {
		if detect.IsRetryable(err) {
			p.metrics.RecordOutcome(detect.StrategyName, detect.Deferred.String())
			if !requeue {
				return outcome, nil, err
			}
			if p.requeuer != nil {
				if qerr := p.requeuer.Requeue(ctx, point, outcome.Reason); qerr != nil {
					p.metrics.RecordError("requeue")
					return outcome, nil, qerr
				}
			}
			return outcome, nil, nil
		}

		p.metrics.RecordError(string(detect.CodeOf(err)))
		fields := []logger.Field{logger.String("code", string(detect.CodeOf(err))), logger.Error(err)}
		if point != nil {
			fields = append(fields, logger.String("point", point.Key()))
		}
		p.log.Error("detect point failed", fields...)
		return outcome, nil, err
	}

	p.metrics.RecordOutcome(detect.StrategyName, outcome.Kind.String())

	if p.history != nil {
		if herr := p.history.Record(ctx, point); herr != nil {
			p.metrics.RecordError("history_record")
			p.log.Warn("record history point failed", logger.String("point", point.Key()), logger.Error(herr))
		}
	}

	if outcome.Kind != detect.Anomalous {
		return outcome, nil, nil
	}
	event := p.newEvent(point, outcome)
	if event.AnomalyScore != nil {
		p.metrics.RecordAnomalyScore(strconv.FormatInt(event.ItemID, 10), *event.AnomalyScore)
	}
	return outcome, event, nil
}

func (p *DetectProcessor) newEvent(point *models.DataPoint, outcome detect.Outcome) *models.AnomalyEvent {
	e := &models.AnomalyEvent{
		StrategyID: point.Item.StrategyID,
		ItemID:     point.Item.ID,
		RecordID:   point.RecordID,
		Timestamp:  point.Timestamp,
		Value:      point.Value,
		Dimensions: point.Dimensions,
		Message:    outcome.Message,
		DetectedAt: p.now(),
	}
	if raw, ok := outcome.Context["anomaly_score"]; ok && raw != nil {
		if score, err := cast.ToFloat64E(raw); err == nil {
			e.AnomalyScore = &score
		}
	}
	if raw, ok := outcome.Context["alert_msg"]; ok && raw != nil {
		e.AlertMsg = cast.ToString(raw)
	}
	return e
}

func (p *DetectProcessor) publish(ctx context.Context, events []*models.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	var err error
	switch p.cfg.Backend {
	case BackendKafka:
		err = p.pub.PublishBatch(ctx, events)
	case BackendClickHouse:
		err = p.store.StoreBatch(ctx, events)
	default:
		err = fmt.Errorf("unknown backend: %s", p.cfg.Backend)
	}
	if err != nil {
		p.metrics.RecordError("publish")
		return fmt.Errorf("publish %d anomalies: %w", len(events), err)
	}
	p.metrics.RecordLatency("publish", time.Since(start).Seconds())
	return nil
}

func (p *DetectProcessor) saveItems(ctx context.Context, points []*models.DataPoint) {
	if p.items == nil {
		return
	}
	seen := make(map[int64]bool)
	for _, pt := range points {
		if pt == nil || pt.Item == nil || seen[pt.Item.ID] {
			continue
		}
		seen[pt.Item.ID] = true
		if err := p.items.Save(ctx, pt.Item); err != nil {
			p.log.Warn("save item config failed", logger.Int64("item_id", pt.Item.ID), logger.Error(err))
		}
	}
}

// refreshItem returns a copy of point bound to the latest stored config of
// its item, or point itself when none is stored.
func (p *DetectProcessor) refreshItem(ctx context.Context, point *models.DataPoint) *models.DataPoint {
	if p.items == nil || point == nil || point.Item == nil {
		return point
	}
	item, err := p.items.Get(ctx, point.Item.ID)
	if err != nil {
		p.log.Warn("load item config failed", logger.Int64("item_id", point.Item.ID), logger.Error(err))
		return point
	}
	if item == nil {
		return point
	}
	cp := *point
	cp.Item = item
	return &cp
}

// Close closes the anomaly sinks.
func (p *DetectProcessor) Close() {
	if p.pub != nil {
		_ = p.pub.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}
