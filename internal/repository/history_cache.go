package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/internal/domain/service"
	"IntelliDetect/pkg/cache"
	"IntelliDetect/pkg/util"
)

// historyEntry is the stored form of a point. The item is not stored; the
// point asking for its predecessor supplies it.
type historyEntry struct {
	RecordID        string                 `json:"record_id"`
	Value           float64                `json:"value"`
	Timestamp       int64                  `json:"timestamp"`
	Dimensions      map[string]interface{} `json:"dimensions"`
	DimensionFields []string               `json:"dimension_fields,omitempty"`
}

// CacheHistoryStore keeps recently detected points in a cache.Service so the
// next point of the same series can reference its predecessor.
type CacheHistoryStore struct {
	cache cache.Service
	ttl   time.Duration
}

var (
	_ service.HistoryPointFetcher = (*CacheHistoryStore)(nil)
	_ repository.HistoryStore     = (*CacheHistoryStore)(nil)
)

// NewCacheHistoryStore creates a history store. ttl bounds how far back a
// previous point can be found.
func NewCacheHistoryStore(c cache.Service, ttl time.Duration) *CacheHistoryStore {
	return &CacheHistoryStore{cache: c, ttl: ttl}
}

func (s *CacheHistoryStore) Record(ctx context.Context, p *models.DataPoint) error {
	if p == nil || p.Item == nil {
		return nil
	}
	e := historyEntry{
		RecordID:        p.RecordID,
		Value:           p.Value,
		Timestamp:       p.Timestamp,
		Dimensions:      p.Dimensions,
		DimensionFields: p.DimensionFields,
	}
	if err := s.cache.Set(ctx, historyKey(p, slot(p, p.Timestamp)), e, s.ttl); err != nil {
		return fmt.Errorf("record history point: %w", err)
	}
	return nil
}

// Previous returns the point of p's series observed offset seconds earlier,
// or nil when none was recorded.
func (s *CacheHistoryStore) Previous(ctx context.Context, p *models.DataPoint, offset int) (*models.DataPoint, error) {
	if p == nil || p.Item == nil || offset <= 0 {
		return nil, nil
	}

	var e historyEntry
	err := s.cache.Get(ctx, historyKey(p, slot(p, p.Timestamp-int64(offset))), &e)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch history point: %w", err)
	}

	return &models.DataPoint{
		RecordID:        e.RecordID,
		Value:           e.Value,
		Timestamp:       e.Timestamp,
		Dimensions:      e.Dimensions,
		DimensionFields: e.DimensionFields,
		Item:            p.Item,
	}, nil
}

// slot keys a timestamp by its aggregation window so producer jitter within
// one interval still finds the predecessor.
func slot(p *models.DataPoint, ts int64) int64 {
	return util.AlignToInterval(ts, p.Item.PrimaryQuery().AggInterval)
}
