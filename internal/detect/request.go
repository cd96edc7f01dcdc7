package detect

import (
	"strings"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/util"
)

// historyAnomalyPolicy asks the SDK to keep anomalous results of the last
// eight days so later predictions can reference them.
func historyAnomalyPolicy() models.PredictExtraData {
	return models.PredictExtraData{
		HistoryAnomaly: models.HistoryAnomalyPolicy{
			Source:          "backfill",
			RetentionPeriod: "8d",
			BackfillFields:  []string{"anomaly_alert", "extra_info"},
			BackfillConditions: []models.BackfillCondition{
				{FieldName: "is_anomaly", Value: 1},
			},
		},
	}
}

// BuildPredictionRequest builds the single-point predict call for p.
// Timestamps go out in milliseconds.
func BuildPredictionRequest(p *models.DataPoint, args map[string]interface{}, item *models.Item) models.PredictionRequest {
	return models.PredictionRequest{
		Data:        []models.PredictData{{Value: p.Value, Timestamp: util.SecondsToMs(p.Timestamp)}},
		Dimensions:  requestDimensions(p),
		Interval:    item.PrimaryQuery().AggInterval,
		PredictArgs: PredictArgs(args),
		ExtraData:   historyAnomalyPolicy(),
	}
}

// PredictArgs strips the leading "$" the config store puts on arg keys.
func PredictArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[strings.TrimLeft(k, "$")] = v
	}
	return out
}

// requestDimensions picks the point's dimension fields out of its dimensions.
func requestDimensions(p *models.DataPoint) map[string]interface{} {
	fields := p.Fields()
	dims := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := p.Dimensions[f]; ok {
			dims[f] = v
		}
	}
	return dims
}

// EnrichFromRecord turns a prediction record into the enriched point for p.
// The record timestamp (ms) becomes the point timestamp in seconds and the
// whole record becomes its Values.
func EnrichFromRecord(p *models.DataPoint, rec models.PredictionRecord) (*models.DataPoint, error) {
	ts, ok := rec.TimestampMs()
	if !ok {
		return nil, errNoTimestamp
	}
	return p.Enrich(map[string]interface{}(rec), util.MsToSeconds(ts)), nil
}

// DetectDirect is the direction of the anomaly_detect_direct arg.
type DetectDirect string

const (
	DetectDirectCeil  DetectDirect = "ceil"
	DetectDirectFloor DetectDirect = "floor"
	DetectDirectAll   DetectDirect = "all"
)

// ValidateArgs checks the algorithm args the strategy understands.
func ValidateArgs(args map[string]interface{}) error {
	raw, ok := PredictArgs(args)["anomaly_detect_direct"]
	if !ok {
		return nil
	}
	s, _ := raw.(string)
	switch DetectDirect(s) {
	case DetectDirectCeil, DetectDirectFloor, DetectDirectAll:
		return nil
	}
	return &ConfigError{Field: "anomaly_detect_direct", Value: raw}
}
