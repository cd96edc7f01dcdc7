package usecase

import (
	"context"
	"errors"
	"sync"

	"IntelliDetect/internal/domain/models"
)

type fakePredictor struct {
	mu      sync.Mutex
	calls   int
	records func(req models.PredictionRequest) []models.PredictionRecord
	err     error
}

func (f *fakePredictor) Predict(_ context.Context, req models.PredictionRequest) ([]models.PredictionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records(req), nil
}

func (f *fakePredictor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// anomalousRecord answers every prediction with is_anomaly=1.
func anomalousRecord(req models.PredictionRequest) []models.PredictionRecord {
	return []models.PredictionRecord{{
		"timestamp":     float64(req.Data[0].Timestamp),
		"value":         req.Data[0].Value,
		"is_anomaly":    1,
		"anomaly_score": 0.123456,
	}}
}

type fakeGroupPredictor struct {
	calls int
	err   error
}

func (f *fakeGroupPredictor) GroupPredict(_ context.Context, req models.GroupPredictRequest) ([]models.GroupPredictResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.GroupPredictResult, 0, len(req.Groups))
	for _, g := range req.Groups {
		res := models.GroupPredictResult{Dimensions: g.Dimensions, Status: "success"}
		for _, d := range g.Data {
			res.Result = append(res.Result, models.PredictionRecord{
				"timestamp":     float64(d.Timestamp),
				"value":         d.Value,
				"is_anomaly":    1.0,
				"anomaly_score": 0.5,
			})
		}
		out = append(out, res)
	}
	return out, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]*models.AnomalyEvent
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, e *models.AnomalyEvent) error {
	return f.PublishBatch(ctx, []*models.AnomalyEvent{e})
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []*models.AnomalyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) events() []*models.AnomalyEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AnomalyEvent
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type fakeStorage struct {
	fakePublisher
}

func (f *fakeStorage) Store(ctx context.Context, e *models.AnomalyEvent) error {
	return f.PublishBatch(ctx, []*models.AnomalyEvent{e})
}

func (f *fakeStorage) StoreBatch(ctx context.Context, events []*models.AnomalyEvent) error {
	return f.PublishBatch(ctx, events)
}

func (f *fakeStorage) Health(context.Context) error { return nil }

type fakeRequeuer struct {
	mu      sync.Mutex
	points  []*models.DataPoint
	reasons []string
	err     error
}

func (f *fakeRequeuer) Requeue(_ context.Context, p *models.DataPoint, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	errors   map[string]int
	scores   map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		outcomes: make(map[string]int),
		errors:   make(map[string]int),
		scores:   make(map[string]float64),
	}
}

func (m *fakeMetrics) RecordOutcome(_, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *fakeMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *fakeMetrics) RecordAnomalyScore(item string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[item] = score
}

func (m *fakeMetrics) RecordLatency(string, float64) {}

func (m *fakeMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

var errBroker = errors.New("broker unavailable")

func sdkItem(id int64, status models.SDKDetectStatus) *models.Item {
	return &models.Item{
		ID:         id,
		StrategyID: 3,
		Name:       "cpu usage",
		Unit:       "%",
		QueryConfigs: []models.QueryConfig{{
			AggInterval: 60,
			IntelligentDetect: models.IntelligentDetectConfig{
				UseSDK: true,
				Status: status,
			},
		}},
		Algorithm: models.AlgorithmConfig{
			Type: "IntelligentDetect",
			Args: map[string]interface{}{"$sensitivity": 70},
		},
	}
}

func localItem(id int64) *models.Item {
	item := sdkItem(id, models.SDKDetectStatusReady)
	item.QueryConfigs[0].IntelligentDetect = models.IntelligentDetectConfig{}
	return item
}

func point(item *models.Item, ts int64, value float64) *models.DataPoint {
	return &models.DataPoint{
		RecordID:   "rec-" + item.Name,
		Value:      value,
		Timestamp:  ts,
		Dimensions: map[string]interface{}{"host": "web-1"},
		Item:       item,
	}
}
