package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
)

const anomalyColumns = "strategy_id, item_id, record_id, ts, value, dimensions, message, anomaly_score, alert_msg, detected_at"

// CHAnomalyStorage implements AnomalyStorage for ClickHouse.
type CHAnomalyStorage struct {
	db    *sql.DB
	table string
}

// NewCHAnomalyStorage creates ClickHouse anomaly storage.
func NewCHAnomalyStorage(db *sql.DB, table string) repository.AnomalyStorage {
	return &CHAnomalyStorage{db: db, table: table}
}

func (s *CHAnomalyStorage) Store(ctx context.Context, e *models.AnomalyEvent) error {
	return s.StoreBatch(ctx, []*models.AnomalyEvent{e})
}

// StoreBatch inserts events with multi-row VALUES, chunkSize rows per statement.
func (s *CHAnomalyStorage) StoreBatch(ctx context.Context, events []*models.AnomalyEvent) error {
	const chunkSize = 2000
	for start := 0; start < len(events); start += chunkSize {
		end := min(start+chunkSize, len(events))

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*10)
		for _, e := range events[start:end] {
			if e == nil {
				continue
			}
			row, err := anomalyRow(e)
			if err != nil {
				return err
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, row...)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, anomalyColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert anomaly events: %w", err)
		}
	}
	return nil
}

func anomalyRow(e *models.AnomalyEvent) ([]interface{}, error) {
	dims, err := json.Marshal(e.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("marshal dimensions: %w", err)
	}
	return []interface{}{
		e.StrategyID,
		e.ItemID,
		e.RecordID,
		time.Unix(e.Timestamp, 0).UTC(),
		e.Value,
		string(dims),
		e.Message,
		e.AnomalyScore,
		e.AlertMsg,
		e.DetectedAt.UTC(),
	}, nil
}

func (s *CHAnomalyStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *CHAnomalyStorage) Close() error {
	return nil
}
