package price

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ChainPilot/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Cache stores serialized quotes with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !m.now().Before(entry.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expires: m.now().Add(ttl)}
	return nil
}

// RedisCache shares quotes between instances.
type RedisCache struct {
	client *redis.Client
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisCache dials Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Keyed is implemented by oracles that know their cache key.
type Keyed interface {
	Key() string
}

// Cached serves quotes from cache and falls back to the oracle on miss.
// Cache errors never fail a lookup.
type Cached struct {
	oracle Oracle
	cache  Cache
	ttl    time.Duration
	key    string
	log    *slog.Logger
}

// NewCached wraps oracle with cache. A non-positive ttl disables caching.
func NewCached(oracle Oracle, cache Cache, ttl time.Duration) Oracle {
	if cache == nil || ttl <= 0 {
		return oracle
	}
	key := "chainpilot:price"
	if keyed, ok := oracle.(Keyed); ok {
		key = keyed.Key()
	}
	return &Cached{oracle: oracle, cache: cache, ttl: ttl, key: key, log: logger.Named("price")}
}

func (c *Cached) Price(ctx context.Context) (Quote, error) {
	if raw, ok, err := c.cache.Get(ctx, c.key); err != nil {
		c.log.Warn("读取价格缓存失败", slog.Any("error", err))
	} else if ok {
		var quote Quote
		if err := json.Unmarshal(raw, &quote); err == nil {
			return quote, nil
		}
	}

	quote, err := c.oracle.Price(ctx)
	if err != nil {
		return Quote{}, err
	}
	if raw, err := json.Marshal(quote); err == nil {
		if err := c.cache.Set(ctx, c.key, raw, c.ttl); err != nil {
			c.log.Warn("写入价格缓存失败", slog.Any("error", err))
		}
	}
	return quote, nil
}
