package cache

import (
	"fmt"
	"time"

	"IntelliDetect/pkg/config"
)

// RedisOption configures Redis cache.
type RedisOption func(*RedisConfig)

// RedisConfig holds Redis configuration. Addr, when set, wins over Host/Port.
type RedisConfig struct {
	Addr         string
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	PoolTimeout  time.Duration
	MinIdleConns int
	Prefix       string
}

func WithRedisAddr(addr string) RedisOption {
	return func(c *RedisConfig) {
		c.Addr = addr
	}
}

// WithRedisHost sets Redis host.
func WithRedisHost(host string) RedisOption {
	return func(c *RedisConfig) {
		c.Host = host
	}
}

// WithRedisPort sets Redis port.
func WithRedisPort(port int) RedisOption {
	return func(c *RedisConfig) {
		c.Port = port
	}
}

// WithRedisPassword sets Redis password.
func WithRedisPassword(password string) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
	}
}

// WithRedisDB sets Redis database number.
func WithRedisDB(db int) RedisOption {
	return func(c *RedisConfig) {
		c.DB = db
	}
}

// WithRedisPool sets connection pool settings.
func WithRedisPool(poolSize, minIdleConns int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize = poolSize
		c.MinIdleConns = minIdleConns
		c.PoolTimeout = timeout
	}
}

// WithRedisPrefix sets key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) {
		c.Prefix = prefix
	}
}

// MemoryOption configures Memory cache.
type MemoryOption func(*MemoryConfig)

// MemoryConfig holds memory cache configuration.
type MemoryConfig struct {
	MaxSize int
}

// WithMemoryMaxSize sets max cache size.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		c.MaxSize = size
	}
}

// LayeredOption configures Layered cache.
type LayeredOption func(*LayeredConfig)

// LayeredConfig holds layered cache configuration.
type LayeredConfig struct {
	MemoryMaxSize int
	MaxL1TTL      time.Duration
}

// WithLayeredMemorySize sets L1 cache size.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *LayeredConfig) {
		c.MemoryMaxSize = size
	}
}

// WithLayeredMaxL1TTL caps the lifetime of entries in L1.
func WithLayeredMaxL1TTL(ttl time.Duration) LayeredOption {
	return func(c *LayeredConfig) {
		if ttl > 0 {
			c.MaxL1TTL = ttl
		}
	}
}

// RedisOptionsFromConfig maps the application config onto Redis options.
func RedisOptionsFromConfig(cfg *config.Config) []RedisOption {
	return []RedisOption{
		WithRedisHost(cfg.Redis.Host),
		WithRedisPort(cfg.Redis.Port),
		WithRedisPassword(cfg.Redis.Password),
		WithRedisDB(cfg.Redis.DB),
		WithRedisPool(cfg.Redis.PoolSize, 2, 30*time.Second),
		WithRedisPrefix(cfg.Redis.Prefix),
	}
}

// NewFromConfig builds the cache selected by cache.type over rc, which is
// shared with the deferred queue. rc may be nil only for the memory cache.
func NewFromConfig(cfg *config.Config, rc *RedisCache) (Service, error) {
	switch cfg.Cache.Type {
	case "memory":
		return NewMemoryCache(WithMemoryMaxSize(cfg.Cache.MemoryMaxSize)), nil
	case "redis", "layered":
		if rc == nil {
			return nil, fmt.Errorf("cache type %q needs a redis connection", cfg.Cache.Type)
		}
		if cfg.Cache.Type == "redis" {
			return rc, nil
		}
		return NewLayeredCache(rc, WithLayeredMemorySize(cfg.Cache.MemoryMaxSize)), nil
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
}
