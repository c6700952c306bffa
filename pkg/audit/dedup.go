package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// DedupConfig holds the idempotency windows
type DedupConfig struct {
	// CreateLockTTL blocks a second create record for the same entity
	CreateLockTTL time.Duration
	// UpdateLockTTL blocks an identical update record for the same entity
	UpdateLockTTL time.Duration
	// Window is how far back the store is checked for an identical update
	Window time.Duration
}

// DefaultDedupConfig returns the standard windows
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		CreateLockTTL: 10 * time.Second,
		UpdateLockTTL: 5 * time.Second,
		Window:        5 * time.Second,
	}
}

// DedupGuard admits a candidate create or update record at most once per
// short window. The cache lock is taken with SetNX; update candidates are
// also confirmed against the store. Other actions and access entries are
// always admitted.
type DedupGuard struct {
	cache   cache.Cache
	store   Store
	cfg     DedupConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDedupGuard creates a guard. A nil cache uses store confirmation only.
func NewDedupGuard(c cache.Cache, store Store, cfg DedupConfig, logger *observability.Logger, metrics *observability.Metrics) *DedupGuard {
	def := DefaultDedupConfig()
	if cfg.CreateLockTTL <= 0 {
		cfg.CreateLockTTL = def.CreateLockTTL
	}
	if cfg.UpdateLockTTL <= 0 {
		cfg.UpdateLockTTL = def.UpdateLockTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &DedupGuard{
		cache:   c,
		store:   store,
		cfg:     cfg,
		logger:  observability.OrDefault(logger).WithField("component", "audit.dedup"),
		metrics: metrics,
	}
}

// ContentHash is the hex sha256 of the canonical JSON of details. Map keys
// are encoded sorted so equal payloads always hash equally.
func ContentHash(details Details) (string, error) {
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode details: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LockKey returns the dedup lock key for rec, or "" when rec is never
// deduplicated. Access entries are exempt.
func LockKey(rec *Record) string {
	if rec.TargetType == AccessLogTarget {
		return ""
	}
	switch rec.Action {
	case ActionCreate:
		return fmt.Sprintf("audit:dedup:%s:%s:create", rec.TargetType, rec.TargetID)
	case ActionUpdate:
		return fmt.Sprintf("audit:dedup:%s:%s:update:%s", rec.TargetType, rec.TargetID, rec.ContentHash)
	}
	return ""
}

// Admit reports whether rec should be written. rec.ContentHash must be set.
// Store errors are returned; the caller decides whether to write anyway.
func (g *DedupGuard) Admit(ctx context.Context, rec *Record) (bool, error) {
	key := LockKey(rec)
	if key == "" {
		return true, nil
	}

	ttl := g.cfg.UpdateLockTTL
	if rec.Action == ActionCreate {
		ttl = g.cfg.CreateLockTTL
	}

	locked := false
	if g.cache != nil {
		acquired, err := g.cache.SetNX(ctx, key, []byte("1"), ttl)
		if err != nil {
			g.metrics.CacheError("dedup_lock")
			g.logger.WithError(err).WithField("key", key).Warn("dedup lock unavailable, falling back to store confirmation")
		} else if !acquired {
			g.reject(rec, "lock")
			return false, nil
		} else {
			locked = true
		}
	}

	// a held create lock is authoritative; updates are always confirmed
	if locked && rec.Action == ActionCreate {
		return true, nil
	}

	q := RecentQuery{
		TargetType: rec.TargetType,
		TargetID:   rec.TargetID,
		Action:     rec.Action,
		Since:      rec.CreatedAt.Add(-g.cfg.Window),
	}
	if rec.Action == ActionCreate {
		q.Since = rec.CreatedAt.Add(-ttl)
	} else {
		q.ContentHash = rec.ContentHash
	}

	exists, err := g.store.ExistsRecent(ctx, q)
	if err != nil {
		if locked {
			g.Release(ctx, rec)
		}
		return false, fmt.Errorf("failed to confirm audit dedup: %w", err)
	}
	if exists {
		g.reject(rec, "recent")
		return false, nil
	}
	return true, nil
}

// Release drops the lock Admit took for rec so a retry of a failed write is
// admitted again. Errors are logged; the lock still expires on its TTL.
func (g *DedupGuard) Release(ctx context.Context, rec *Record) {
	key := LockKey(rec)
	if key == "" || g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, key); err != nil {
		g.metrics.CacheError("dedup_release")
		g.logger.WithError(err).WithField("key", key).Warn("failed to release dedup lock")
	}
}

func (g *DedupGuard) reject(rec *Record, reason string) {
	g.metrics.AuditDeduped(reason)
	g.logger.WithFields(map[string]interface{}{
		"target_type": rec.TargetType,
		"target_id":   rec.TargetID,
		"action":      string(rec.Action),
		"reason":      reason,
	}).Debug("duplicate audit record suppressed")
}
