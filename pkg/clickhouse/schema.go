package clickhouse

import "fmt"

const (
	AnomalyEventsTable = "detect_anomaly_events"
	HistoryPointsTable = "detect_history_points"
)

// Schema returns the DDL for the detection tables in database.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	strategy_id   Int64,
	item_id       Int64,
	record_id     String,
	ts            DateTime,
	value         Float64,
	dimensions    String,
	message       String,
	anomaly_score Nullable(Float64),
	alert_msg     String,
	detected_at   DateTime64(3)
) ENGINE = ReplacingMergeTree(detected_at)
PARTITION BY toYYYYMMDD(ts)
ORDER BY (strategy_id, item_id, record_id, ts)
TTL ts + INTERVAL 30 DAY`, database, AnomalyEventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	strategy_id Int64,
	item_id     Int64,
	dims_key    String,
	ts          DateTime,
	value       Float64,
	dimensions  String,
	record_id   String
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMMDD(ts)
ORDER BY (strategy_id, item_id, dims_key, ts)
TTL ts + INTERVAL 8 DAY`, database, HistoryPointsTable),
	}
}
