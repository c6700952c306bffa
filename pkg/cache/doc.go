// Package cache provides the shared key/value cache used for permission sets
// and audit dedup locks.
//
// Two backends exist: an in-process expirable LRU for single-instance
// deployments and tests, and Redis for anything running more than one
// replica. The backend is chosen once at startup from Config.Backend:
//
//	c, err := cache.New(cache.Config{Backend: cache.BackendRedis, RedisURL: "redis://localhost:6379"})
//	ok, err := c.SetNX(ctx, "audit:dedup:task:7:create", []byte("1"), 10*time.Second)
//
// Every backend guarantees SetNX is atomic. Transport failures are reported
// wrapped in ErrUnavailable so callers can degrade instead of failing.
package cache
