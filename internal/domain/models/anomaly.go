package models

import "time"

// AnomalyEvent is the published record of an anomalous detection.
// Note: no transport (kafka/clickhouse) concerns here.
type AnomalyEvent struct {
	StrategyID   int64                  `json:"strategy_id"`
	ItemID       int64                  `json:"item_id"`
	RecordID     string                 `json:"record_id"`
	Timestamp    int64                  `json:"timestamp"`
	Value        float64                `json:"value"`
	Dimensions   map[string]interface{} `json:"dimensions"`
	Message      string                 `json:"message"`
	AnomalyScore *float64               `json:"anomaly_score,omitempty"`
	AlertMsg     string                 `json:"alert_msg,omitempty"`
	DetectedAt   time.Time              `json:"detected_at"`
}
