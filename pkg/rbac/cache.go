package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/taskward/pkg/cache"
)

const cacheKeyPrefix = "rbac:user:"

// CacheKey returns the key a resolved set is stored under
func CacheKey(userID int64, scope Scope) string {
	return cacheKeyPrefix + itoa(userID) + ":scope:" + scope.String()
}

func userKeyPrefix(userID int64) string {
	return cacheKeyPrefix + itoa(userID) + ":scope:"
}

// PermissionCache stores resolved permission sets as sorted JSON code lists
type PermissionCache struct {
	backend cache.Cache
	ttl     time.Duration
}

// NewPermissionCache wraps backend with the given entry TTL
func NewPermissionCache(backend cache.Cache, ttl time.Duration) *PermissionCache {
	return &PermissionCache{backend: backend, ttl: ttl}
}

// Get returns cache.ErrCacheMiss when no entry exists
func (c *PermissionCache) Get(ctx context.Context, userID int64, scope Scope) (PermissionSet, error) {
	raw, err := c.backend.Get(ctx, CacheKey(userID, scope))
	if err != nil {
		return nil, err
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("corrupt permission cache entry: %w", err)
	}
	return NewPermissionSet(codes...), nil
}

// Set stores perms, including empty sets
func (c *PermissionCache) Set(ctx context.Context, userID int64, scope Scope, perms PermissionSet) error {
	raw, err := json.Marshal(perms.Codes())
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, CacheKey(userID, scope), raw, c.ttl)
}

// Invalidate drops the entries for userID in each of scopes
func (c *PermissionCache) Invalidate(ctx context.Context, userID int64, scopes ...Scope) (int, error) {
	keys := make([]string, 0, len(scopes))
	for _, s := range dedupeScopes(scopes...) {
		keys = append(keys, CacheKey(userID, Scope(s)))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// InvalidateUser drops every entry for userID, including scopes resolved
// only through global assignments.
func (c *PermissionCache) InvalidateUser(ctx context.Context, userID int64) (int, error) {
	return c.backend.DeletePrefix(ctx, userKeyPrefix(userID))
}

// FlushAll drops every resolved set
func (c *PermissionCache) FlushAll(ctx context.Context) (int, error) {
	return c.backend.DeletePrefix(ctx, cacheKeyPrefix)
}
