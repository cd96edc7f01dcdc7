package models

import "github.com/spf13/cast"

// PredictData is one (value, timestamp in ms) sample sent to the SDK.
type PredictData struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// BackfillCondition selects which history points are backfilled.
type BackfillCondition struct {
	FieldName string      `json:"field_name"`
	Value     interface{} `json:"value"`
}

// HistoryAnomalyPolicy tells the SDK which previous results it must keep.
type HistoryAnomalyPolicy struct {
	Source             string              `json:"source"`
	RetentionPeriod    string              `json:"retention_period"`
	BackfillFields     []string            `json:"backfill_fields"`
	BackfillConditions []BackfillCondition `json:"backfill_conditions"`
}

type PredictExtraData struct {
	HistoryAnomaly HistoryAnomalyPolicy `json:"history_anomaly"`
}

// PredictionRequest is the body of a single-point predict call.
type PredictionRequest struct {
	Data        []PredictData          `json:"data"`
	Dimensions  map[string]interface{} `json:"dimensions"`
	Interval    int                    `json:"interval"`
	PredictArgs map[string]interface{} `json:"predict_args"`
	ExtraData   PredictExtraData       `json:"extra_data"`
}

// PredictGroup is the per-dimension series of a group predict call.
type PredictGroup struct {
	Dimensions map[string]interface{} `json:"dimensions"`
	Data       []PredictData          `json:"data"`
}

// GroupPredictRequest predicts many series in one call.
type GroupPredictRequest struct {
	Groups      []PredictGroup         `json:"group_data"`
	Interval    int                    `json:"interval"`
	PredictArgs map[string]interface{} `json:"predict_args"`
	ExtraData   PredictExtraData       `json:"extra_data"`
}

// GroupPredictResult is the SDK answer for one group.
type GroupPredictResult struct {
	Dimensions map[string]interface{} `json:"dimensions"`
	Status     string                 `json:"status"`
	Result     []PredictionRecord     `json:"result"`
	Error      string                 `json:"error,omitempty"`
}

// PredictionRecord is a raw SDK result record. Its full content becomes the
// Values of the enriched point.
type PredictionRecord map[string]interface{}

// TimestampMs returns the record timestamp in milliseconds.
func (r PredictionRecord) TimestampMs() (int64, bool) {
	raw, ok := r["timestamp"]
	if !ok || raw == nil {
		return 0, false
	}
	ts, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, false
	}
	return ts, true
}
