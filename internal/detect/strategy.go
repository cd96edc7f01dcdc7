package detect

import (
	"context"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/internal/domain/service"
	"IntelliDetect/internal/services/expression"
	"IntelliDetect/pkg/logger"
)

// StrategyName labels metrics and logs of this strategy.
const StrategyName = "intelligent_detect"

// DefaultPrecision is the decimal places kept on anomaly_score.
const DefaultPrecision = 2

const anomalyTemplate = `Intelligent model detected anomaly` +
	`{{ if notNil .alert_msg }}, alert type: {{ .alert_msg }}{{ end }}` +
	`{{ if notNil .anomaly_score }}, anomaly score: {{ .anomaly_score }}{{ end }}` +
	`{{ if notNil .previous_point }}, previous value {{ autoUnit .previous_point.Value .unit }}{{ end }}`

// Option configures an IntelligentDetect.
type Option func(*IntelligentDetect)

func WithPredictor(p service.PredictionClient) Option {
	return func(s *IntelligentDetect) { s.predictor = p }
}

func WithGroupPredictor(p service.GroupPredictClient) Option {
	return func(s *IntelligentDetect) { s.groupPredictor = p }
}

func WithEvaluator(ev service.ExpressionEvaluator) Option {
	return func(s *IntelligentDetect) { s.evaluator = ev }
}

func WithHistoryFetcher(h service.HistoryPointFetcher) Option {
	return func(s *IntelligentDetect) { s.history = h }
}

func WithMetrics(m repository.Metrics) Option {
	return func(s *IntelligentDetect) { s.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *IntelligentDetect) { s.logger = l }
}

// WithPrecision sets the decimal places of anomaly_score. Negative values are ignored.
func WithPrecision(p int) Option {
	return func(s *IntelligentDetect) {
		if p >= 0 {
			s.precision = p
		}
	}
}

// IntelligentDetect decides anomalies from the is_anomaly flag of a point,
// asking the prediction service for it when the item is SDK backed.
type IntelligentDetect struct {
	predictor      service.PredictionClient
	groupPredictor service.GroupPredictClient
	evaluator      service.ExpressionEvaluator
	history        service.HistoryPointFetcher
	metrics        repository.Metrics
	logger         *logger.Logger
	precision      int

	base *BaseDetector
	// preDetect is set only on the run-bound copies made by PreDetect.
	preDetect *PreDetectCache
}

func New(opts ...Option) *IntelligentDetect {
	s := &IntelligentDetect{precision: DefaultPrecision}
	for _, opt := range opts {
		opt(s)
	}
	if s.evaluator == nil {
		s.evaluator = expression.NewEvaluator()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	s.base = NewBaseDetector(s.evaluator, s.Expressions(), s.ExtraContext, s.logger)
	return s
}

// Base returns the expression detector the strategy delegates to.
func (s *IntelligentDetect) Base() *BaseDetector {
	return s.base
}

// Expressions returns the single rule of the strategy.
func (s *IntelligentDetect) Expressions() []Expression {
	return []Expression{{Expr: "is_anomaly > 0", Template: anomalyTemplate}}
}

// HistoryOffsets returns the offsets (seconds) at which history points are
// needed: the item's aggregation interval.
func (s *IntelligentDetect) HistoryOffsets(item *models.Item) []int {
	return []int{item.PrimaryQuery().AggInterval}
}

// WithPreDetectCache returns a copy of s bound to the given cache.
func (s *IntelligentDetect) WithPreDetectCache(c *PreDetectCache) *IntelligentDetect {
	cp := *s
	cp.preDetect = c
	cp.base = NewBaseDetector(cp.evaluator, cp.Expressions(), cp.ExtraContext, cp.logger)
	return &cp
}

// PreDetectCache returns the cache bound to s, or nil.
func (s *IntelligentDetect) PreDetectCache() *PreDetectCache {
	return s.preDetect
}

// Detect decides whether p is anomalous.
//
// A NotReadyError comes with a Deferred outcome; callers should requeue the
// point. Every other error fails the point.
func (s *IntelligentDetect) Detect(ctx context.Context, p *models.DataPoint) (Outcome, error) {
	if p == nil || p.Item == nil {
		return Outcome{}, ErrInvalidPoint
	}

	cfg := p.Item.PrimaryQuery().IntelligentDetect
	if !cfg.UseSDK {
		return s.base.Detect(ctx, p, p)
	}

	if cfg.Status == models.SDKDetectStatusPreparing {
		err := &NotReadyError{StrategyID: p.Item.StrategyID, ItemID: p.Item.ID, Status: cfg.Status}
		s.logger.Debug("history dependency not ready",
			logger.Int64("strategy_id", p.Item.StrategyID),
			logger.Int64("item_id", p.Item.ID),
		)
		return Outcome{Kind: Deferred, Reason: err.Error(), Point: p}, err
	}

	if s.preDetect != nil {
		predicted, ok := s.preDetect.Lookup(p)
		if !ok {
			return Outcome{}, &PreDetectMissingError{Key: p.Key()}
		}
		return s.base.Detect(ctx, predicted, p)
	}

	predicted, err := s.detectBySDK(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	return s.base.Detect(ctx, predicted, p)
}

func (s *IntelligentDetect) detectBySDK(ctx context.Context, p *models.DataPoint) (*models.DataPoint, error) {
	if err := ValidateArgs(p.Item.Algorithm.Args); err != nil {
		return nil, err
	}
	if s.predictor == nil {
		return nil, &RemoteCallError{Op: "predict", Err: errNoPredictor}
	}

	req := BuildPredictionRequest(p, p.Item.Algorithm.Args, p.Item)

	start := time.Now()
	records, err := s.predictor.Predict(ctx, req)
	s.metrics.RecordLatency("predict", time.Since(start).Seconds())
	if err != nil {
		return nil, &RemoteCallError{Op: "predict", Err: err}
	}
	if len(records) == 0 {
		return nil, &RemoteCallError{Op: "predict", Err: errEmptyResult}
	}

	predicted, err := EnrichFromRecord(p, records[0])
	if err != nil {
		return nil, &RemoteCallError{Op: "predict", Err: err}
	}
	return predicted, nil
}

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(string, string)       {}
func (nopMetrics) RecordError(string)                 {}
func (nopMetrics) RecordAnomalyScore(string, float64) {}
func (nopMetrics) RecordLatency(string, float64)      {}
