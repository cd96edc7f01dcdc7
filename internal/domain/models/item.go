package models

// SDKDetectStatus is the history-dependency preparation state of an
// SDK-backed strategy.
type SDKDetectStatus string

const (
	SDKDetectStatusPreparing SDKDetectStatus = "preparing"
	SDKDetectStatusReady     SDKDetectStatus = "ready"
)

// IntelligentDetectConfig is the intelligent_detect block of a query config.
type IntelligentDetectConfig struct {
	UseSDK bool            `json:"use_sdk" yaml:"use_sdk"`
	Status SDKDetectStatus `json:"status" yaml:"status"`
}

// QueryConfig is a single query of an item.
type QueryConfig struct {
	MetricID          string                  `json:"metric_id,omitempty" yaml:"metric_id"`
	AggInterval       int                     `json:"agg_interval" yaml:"agg_interval"`
	IntelligentDetect IntelligentDetectConfig `json:"intelligent_detect" yaml:"intelligent_detect"`
}

// AlgorithmConfig is the validated algorithm config attached to an item.
// Args keys may carry a leading "$" from the config store.
type AlgorithmConfig struct {
	Type string                 `json:"type" yaml:"type"`
	Args map[string]interface{} `json:"args" yaml:"args"`
}

// Item is a monitored metric with its query and algorithm configuration.
// Items are produced upstream and shared read-only between points.
type Item struct {
	ID           int64           `json:"id"`
	StrategyID   int64           `json:"strategy_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit,omitempty"`
	QueryConfigs []QueryConfig   `json:"query_configs" validate:"min=1"`
	Algorithm    AlgorithmConfig `json:"algorithm"`
}

// PrimaryQuery returns the first query config, or a zero config when none exists.
func (i *Item) PrimaryQuery() QueryConfig {
	if i == nil || len(i.QueryConfigs) == 0 {
		return QueryConfig{}
	}
	return i.QueryConfigs[0]
}
