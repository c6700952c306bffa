package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrCacheMiss is returned by Get when the key is absent or expired
	ErrCacheMiss = errors.New("cache miss")
	// ErrUnavailable wraps backend transport failures
	ErrUnavailable = errors.New("cache unavailable")
)

// Cache is a TTL key/value store with an atomic set-if-absent primitive
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names a cache implementation
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config selects and configures a backend
type Config struct {
	Backend Backend

	// Memory backend
	MemorySize   int
	MemoryMaxTTL time.Duration

	// Redis backend
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns an in-process cache configuration
func DefaultConfig() Config {
	return Config{
		Backend:      BackendMemory,
		MemorySize:   100000,
		MemoryMaxTTL: 2 * time.Hour,
		RedisDB:      -1,
	}
}

// Factory builds a backend from configuration
type Factory func(cfg Config) (Cache, error)

var factories = map[Backend]Factory{
	BackendMemory: func(cfg Config) (Cache, error) { return NewMemoryCache(cfg.MemorySize, cfg.MemoryMaxTTL), nil },
	BackendRedis:  func(cfg Config) (Cache, error) { return NewRedisCache(cfg) },
}

// Backends lists the registered backend names
func Backends() []string {
	names := make([]string, 0, len(factories))
	for b := range factories {
		names = append(names, string(b))
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by cfg.Backend
func New(cfg Config) (Cache, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown cache backend %q (must be one of %v)", cfg.Backend, Backends())
	}
	c, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", cfg.Backend, err)
	}
	return c, nil
}
