package detect

import (
	"context"
	"errors"
	"sync"

	"IntelliDetect/internal/domain/models"
)

type fakePredictor struct {
	mu      sync.Mutex
	calls   int
	lastReq models.PredictionRequest
	records []models.PredictionRecord
	err     error
}

func (f *fakePredictor) Predict(_ context.Context, req models.PredictionRequest) ([]models.PredictionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.records, f.err
}

type fakeGroupPredictor struct {
	calls int
	reqs  []models.GroupPredictRequest
	// respond builds the answer from the request; echo predictions by default.
	respond func(models.GroupPredictRequest) ([]models.GroupPredictResult, error)
}

func (f *fakeGroupPredictor) GroupPredict(_ context.Context, req models.GroupPredictRequest) ([]models.GroupPredictResult, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.respond != nil {
		return f.respond(req)
	}
	out := make([]models.GroupPredictResult, 0, len(req.Groups))
	for _, g := range req.Groups {
		res := models.GroupPredictResult{Dimensions: g.Dimensions, Status: "success"}
		for _, d := range g.Data {
			res.Result = append(res.Result, models.PredictionRecord{
				"timestamp":  float64(d.Timestamp),
				"value":      d.Value,
				"is_anomaly": 1.0,
			})
		}
		out = append(out, res)
	}
	return out, nil
}

type fakeHistory struct {
	prev      *models.DataPoint
	err       error
	gotPoint  *models.DataPoint
	gotOffset int
}

func (f *fakeHistory) Previous(_ context.Context, p *models.DataPoint, offset int) (*models.DataPoint, error) {
	f.gotPoint = p
	f.gotOffset = offset
	return f.prev, f.err
}

type countingMetrics struct {
	mu     sync.Mutex
	errors map[string]int
}

func (m *countingMetrics) RecordOutcome(string, string)       {}
func (m *countingMetrics) RecordAnomalyScore(string, float64) {}
func (m *countingMetrics) RecordLatency(string, float64)      {}
func (m *countingMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[kind]++
}

var errBoom = errors.New("boom")

func newItem(useSDK bool, status models.SDKDetectStatus) *models.Item {
	return &models.Item{
		ID:         7,
		StrategyID: 3,
		Name:       "cpu usage",
		Unit:       "%",
		QueryConfigs: []models.QueryConfig{{
			AggInterval:       60,
			IntelligentDetect: models.IntelligentDetectConfig{UseSDK: useSDK, Status: status},
		}},
		Algorithm: models.AlgorithmConfig{
			Type: "IntelligentDetect",
			Args: map[string]interface{}{"$sensitivity": 50, "$anomaly_detect_direct": "ceil"},
		},
	}
}

func newPoint(item *models.Item, ts int64, values map[string]interface{}) *models.DataPoint {
	return &models.DataPoint{
		RecordID:   "rec-1",
		Value:      42,
		Timestamp:  ts,
		Dimensions: map[string]interface{}{"host": "10.0.0.1", "bk_cloud_id": 0.0},
		Values:     values,
		Item:       item,
	}
}
