package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/pkg/cache"
)

const itemKeyPrefix = "detect:item"

// CacheItemStore implements ItemStore on a cache.Service.
type CacheItemStore struct {
	cache cache.Service
	ttl   time.Duration
}

var _ repository.ItemStore = (*CacheItemStore)(nil)

func NewCacheItemStore(c cache.Service, ttl time.Duration) *CacheItemStore {
	return &CacheItemStore{cache: c, ttl: ttl}
}

func (s *CacheItemStore) Save(ctx context.Context, item *models.Item) error {
	if item == nil {
		return nil
	}
	if err := s.cache.Set(ctx, cache.GenerateKeyWithParams(itemKeyPrefix, item.ID), item, s.ttl); err != nil {
		return fmt.Errorf("save item %d: %w", item.ID, err)
	}
	return nil
}

func (s *CacheItemStore) Get(ctx context.Context, id int64) (*models.Item, error) {
	var item models.Item
	err := s.cache.Get(ctx, cache.GenerateKeyWithParams(itemKeyPrefix, id), &item)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return &item, nil
}
