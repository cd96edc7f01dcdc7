package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/internal/domain/service"
)

// CHHistoryStore keeps detected points in ClickHouse. It trades latency for
// a longer look-back than the cache store.
type CHHistoryStore struct {
	db    *sql.DB
	table string
}

var (
	_ service.HistoryPointFetcher = (*CHHistoryStore)(nil)
	_ repository.HistoryStore     = (*CHHistoryStore)(nil)
)

// NewCHHistoryStore creates a store over table (database-qualified).
func NewCHHistoryStore(db *sql.DB, table string) *CHHistoryStore {
	return &CHHistoryStore{db: db, table: table}
}

func (s *CHHistoryStore) Record(ctx context.Context, p *models.DataPoint) error {
	if p == nil || p.Item == nil {
		return nil
	}
	dims, err := json.Marshal(p.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimensions: %w", err)
	}
	q := fmt.Sprintf("INSERT INTO %s (strategy_id, item_id, dims_key, ts, value, dimensions, record_id) VALUES (?, ?, ?, ?, ?, ?, ?)", s.table)
	_, err = s.db.ExecContext(ctx, q,
		p.Item.StrategyID,
		p.Item.ID,
		dimensionsKey(p),
		time.Unix(p.Timestamp, 0).UTC(),
		p.Value,
		string(dims),
		p.RecordID,
	)
	if err != nil {
		return fmt.Errorf("insert history point: %w", err)
	}
	return nil
}

func (s *CHHistoryStore) Previous(ctx context.Context, p *models.DataPoint, offset int) (*models.DataPoint, error) {
	if p == nil || p.Item == nil || offset <= 0 {
		return nil, nil
	}

	// any row inside the target's aggregation window counts, latest first
	interval := int64(max(p.Item.PrimaryQuery().AggInterval, 1))
	from := slot(p, p.Timestamp-int64(offset))
	q := fmt.Sprintf("SELECT record_id, value, dimensions, ts FROM %s WHERE strategy_id = ? AND item_id = ? AND dims_key = ? AND ts >= ? AND ts < ? ORDER BY ts DESC LIMIT 1", s.table)
	row := s.db.QueryRowContext(ctx, q,
		p.Item.StrategyID,
		p.Item.ID,
		dimensionsKey(p),
		time.Unix(from, 0).UTC(),
		time.Unix(from+interval, 0).UTC(),
	)

	var (
		prev models.DataPoint
		dims string
		ts   time.Time
	)
	if err := row.Scan(&prev.RecordID, &prev.Value, &dims, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query history point: %w", err)
	}
	if dims != "" {
		if err := json.Unmarshal([]byte(dims), &prev.Dimensions); err != nil {
			return nil, fmt.Errorf("decode history dimensions: %w", err)
		}
	}
	prev.Timestamp = ts.Unix()
	prev.DimensionFields = p.DimensionFields
	prev.Item = p.Item
	return &prev, nil
}
