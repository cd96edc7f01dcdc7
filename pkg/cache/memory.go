package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultMemoryTTL applies when Set is called without an expiration.
const defaultMemoryTTL = 7 * 24 * time.Hour

type memoryEntry struct {
	data     []byte
	expireAt time.Time
}

// MemoryCache implements Service with a size-bounded LRU. Entries expire
// lazily on read.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{MaxSize: 1000}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	// lru.New only fails for a non-positive size
	entries, _ := lru.New[string, memoryEntry](cfg.MaxSize)
	return &MemoryCache{entries: entries, now: time.Now}
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = defaultMemoryTTL
	}
	mc.entries.Add(key, memoryEntry{data: data, expireAt: mc.now().Add(expiration)})
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	e, ok := mc.entries.Get(key)
	if !ok {
		return ErrCacheMiss
	}
	if mc.now().After(e.expireAt) {
		mc.entries.Remove(key)
		return ErrCacheMiss
	}
	return decode(e.data, dest)
}

// setRaw stores already encoded data; used by the layered cache to fill L1.
func (mc *MemoryCache) setRaw(key string, data []byte, expiration time.Duration) {
	if expiration <= 0 {
		expiration = defaultMemoryTTL
	}
	mc.entries.Add(key, memoryEntry{data: data, expireAt: mc.now().Add(expiration)})
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		mc.entries.Remove(key)
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	now := mc.now()
	for _, key := range keys {
		if e, ok := mc.entries.Peek(key); ok && !now.After(e.expireAt) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of stored entries, expired ones included.
func (mc *MemoryCache) Len() int {
	return mc.entries.Len()
}

func (mc *MemoryCache) Close() error {
	mc.entries.Purge()
	return nil
}
