package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// Resolver answers permission questions for users and mutates assignments,
// keeping the permission cache consistent with the store.
type Resolver struct {
	store   Store
	cache   *PermissionCache
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	flight  singleflight.Group
}

// NewResolver creates a resolver. logger and metrics may be nil.
func NewResolver(store Store, backend cache.Cache, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Resolver{
		store:   store,
		cache:   NewPermissionCache(backend, cfg.CacheTTL),
		cfg:     cfg,
		logger:  observability.OrDefault(logger).WithField("component", "rbac"),
		metrics: metrics,
	}
}

// ResolvePermissions returns the permission codes user holds in scope:
// every global assignment plus assignments in exactly scope, each expanded
// through its parent chain. Anonymous users hold nothing and superusers
// hold the wildcard.
func (r *Resolver) ResolvePermissions(ctx context.Context, user *auth.User, scope Scope) (PermissionSet, error) {
	if user == nil || !user.IsAuthenticated() {
		return PermissionSet{}, nil
	}
	if user.IsSuperuser {
		return NewPermissionSet(Wildcard), nil
	}

	ctx, span := observability.StartSpan(ctx, "rbac.ResolvePermissions", trace.WithAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("rbac.scope", scope.String()),
	))
	defer span.End()

	logger := observability.FromContext(ctx, r.logger)

	perms, err := r.cache.Get(ctx, user.ID, scope)
	switch {
	case err == nil:
		r.metrics.CacheHit()
		span.SetAttributes(attribute.Bool("rbac.cache_hit", true))
		return perms, nil
	case errors.Is(err, cache.ErrCacheMiss):
		r.metrics.CacheMiss()
	default:
		r.metrics.CacheError("get")
		logger.WithError(err).WithField("user_id", user.ID).Warn("permission cache read failed, resolving from store")
	}

	key := CacheKey(user.ID, scope)
	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		fctx := context.WithoutCancel(ctx)
		start := time.Now()
		computed, err := r.compute(fctx, r.store, user.ID, scope)
		r.metrics.ObserveResolve(time.Since(start))
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(fctx, user.ID, scope, computed); err != nil {
			r.metrics.CacheError("set")
			logger.WithError(err).WithField("user_id", user.ID).Warn("failed to cache resolved permissions")
		}
		return computed, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	return v.(PermissionSet).Clone(), nil
}

func (r *Resolver) compute(ctx context.Context, store Store, userID int64, scope Scope) (PermissionSet, error) {
	assigned, err := store.AssignedRoleIDs(ctx, userID, scope)
	if err != nil {
		return nil, err
	}
	roles, err := r.ancestors(ctx, store, assigned)
	if err != nil {
		return nil, err
	}
	codes, err := store.PermissionCodes(ctx, roles)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(codes...), nil
}

// ancestors returns roleIDs plus every role reachable through parent links
// within MaxDepth hops. A role seen twice is not expanded again, which
// terminates cycles.
func (r *Resolver) ancestors(ctx context.Context, store Store, roleIDs []int64) ([]int64, error) {
	return r.walk(ctx, roleIDs, "parent", func(frontier []int64) ([]int64, error) {
		parents, err := store.ParentIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}
		next := make([]int64, 0, len(parents))
		for _, p := range parents {
			next = append(next, p)
		}
		return next, nil
	})
}

// descendants returns roleIDs plus every role that inherits from them
func (r *Resolver) descendants(ctx context.Context, store Store, roleIDs []int64) ([]int64, error) {
	return r.walk(ctx, roleIDs, "child", func(frontier []int64) ([]int64, error) {
		return store.ChildRoleIDs(ctx, frontier)
	})
}

func (r *Resolver) walk(ctx context.Context, start []int64, direction string, step func([]int64) ([]int64, error)) ([]int64, error) {
	visited := make(map[int64]struct{}, len(start))
	out := make([]int64, 0, len(start))
	frontier := make([]int64, 0, len(start))
	for _, id := range dedupeIDs(start) {
		visited[id] = struct{}{}
		out = append(out, id)
		frontier = append(frontier, id)
	}

	for depth := 0; len(frontier) > 0; depth++ {
		next, err := step(frontier)
		if err != nil {
			return nil, err
		}
		var fresh []int64
		for _, id := range dedupeIDs(next) {
			if _, seen := visited[id]; !seen {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			break
		}
		if depth == r.cfg.MaxDepth {
			r.metrics.DepthExhausted()
			observability.FromContext(ctx, r.logger).WithFields(map[string]interface{}{
				"max_depth": r.cfg.MaxDepth,
				"direction": direction,
				"truncated": len(fresh),
			}).Warn("role hierarchy exceeds max depth, truncating")
			break
		}
		for _, id := range fresh {
			visited[id] = struct{}{}
			out = append(out, id)
		}
		frontier = fresh
	}
	return out, nil
}

// HasPermission reports whether user holds code in scope
func (r *Resolver) HasPermission(ctx context.Context, user *auth.User, code string, scope Scope) (bool, error) {
	if user == nil || !user.IsAuthenticated() {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}
	perms, err := r.ResolvePermissions(ctx, user, scope)
	if err != nil {
		return false, err
	}
	return perms.Has(code), nil
}

// Require returns ErrUnauthenticated or ErrPermissionDenied unless user holds code in scope
func (r *Resolver) Require(ctx context.Context, user *auth.User, code string, scope Scope) error {
	if user == nil || !user.IsAuthenticated() {
		return ErrUnauthenticated
	}
	ok, err := r.HasPermission(ctx, user, code, scope)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrPermissionDenied, code, scope)
	}
	return nil
}

// ScopesWithPermission lists the scopes where user holds code, for filtering
// listings. The global scope in the result means every scope; superusers get
// exactly that.
func (r *Resolver) ScopesWithPermission(ctx context.Context, user *auth.User, code string) ([]Scope, error) {
	if user == nil || !user.IsAuthenticated() {
		return nil, nil
	}
	if user.IsSuperuser {
		return []Scope{GlobalScope}, nil
	}

	ctx, span := observability.StartSpan(ctx, "rbac.ScopesWithPermission", trace.WithAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("rbac.permission", code),
	))
	defer span.End()

	granting, err := r.store.RoleIDsGranting(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find roles granting %s: %w", code, err)
	}
	roles, err := r.descendants(ctx, r.store, granting)
	if err != nil {
		return nil, fmt.Errorf("failed to expand roles granting %s: %w", code, err)
	}
	scopes, err := r.store.AssignmentScopes(ctx, user.ID, roles)
	if err != nil {
		return nil, fmt.Errorf("failed to load scopes for %s: %w", code, err)
	}
	return scopes, nil
}

// AssignRole gives userID the role in scope. It reports whether a new
// assignment was created; assigning twice is a no-op.
func (r *Resolver) AssignRole(ctx context.Context, userID int64, roleCode string, scope Scope) (bool, error) {
	var created bool
	err := r.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRoleByCode(ctx, roleCode)
		if err != nil {
			return err
		}
		if created, err = tx.CreateAssignment(ctx, userID, role.ID, scope); err != nil {
			return err
		}
		return r.invalidateAssignment(ctx, userID, scope, "assign")
	})
	if err != nil {
		return false, err
	}
	r.afterCommit(ctx, func() error { return r.invalidateAssignment(ctx, userID, scope, "assign") })

	r.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"role":    roleCode,
		"scope":   scope.String(),
		"created": created,
	}).Info("role assigned")
	return created, nil
}

// RemoveRole deletes the assignment and reports whether one existed
func (r *Resolver) RemoveRole(ctx context.Context, userID int64, roleCode string, scope Scope) (bool, error) {
	var removed bool
	err := r.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRoleByCode(ctx, roleCode)
		if err != nil {
			return err
		}
		if removed, err = tx.DeleteAssignment(ctx, userID, role.ID, scope); err != nil {
			return err
		}
		return r.invalidateAssignment(ctx, userID, scope, "remove")
	})
	if err != nil {
		return false, err
	}
	r.afterCommit(ctx, func() error { return r.invalidateAssignment(ctx, userID, scope, "remove") })

	r.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"role":    roleCode,
		"scope":   scope.String(),
		"removed": removed,
	}).Info("role removed")
	return removed, nil
}

// GrantPermission attaches a permission to a role
func (r *Resolver) GrantPermission(ctx context.Context, roleCode, permCode string) (bool, error) {
	return r.changeRolePermission(ctx, roleCode, permCode, "grant", Store.AddRolePermission)
}

// RevokePermission detaches a permission from a role
func (r *Resolver) RevokePermission(ctx context.Context, roleCode, permCode string) (bool, error) {
	return r.changeRolePermission(ctx, roleCode, permCode, "revoke", Store.RemoveRolePermission)
}

func (r *Resolver) changeRolePermission(ctx context.Context, roleCode, permCode, reason string,
	apply func(Store, context.Context, int64, int64) (bool, error)) (bool, error) {
	var (
		changed bool
		users   []int64
	)
	err := r.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRoleByCode(ctx, roleCode)
		if err != nil {
			return err
		}
		perm, err := tx.GetPermissionByCode(ctx, permCode)
		if err != nil {
			return err
		}
		if changed, err = apply(tx, ctx, role.ID, perm.ID); err != nil {
			return err
		}
		if users, err = r.holders(ctx, tx, role.ID); err != nil {
			return err
		}
		return r.invalidateUsers(ctx, tx, users, reason)
	})
	if err != nil {
		return false, err
	}
	r.afterCommit(ctx, func() error { return r.invalidateUsers(ctx, r.store, users, reason) })

	r.logger.WithFields(map[string]interface{}{
		"role":       roleCode,
		"permission": permCode,
		"action":     reason,
		"changed":    changed,
		"users":      len(users),
	}).Info("role permissions changed")
	return changed, nil
}

// CreateRole returns the role with code, creating it when absent. An
// existing role is returned unchanged. parentCode may be empty.
func (r *Resolver) CreateRole(ctx context.Context, code, name, description, parentCode string) (*Role, error) {
	var (
		role    *Role
		created bool
	)
	err := r.store.WithTx(ctx, func(tx Store) error {
		candidate := &Role{Code: code, Name: name, Description: description}
		if candidate.Name == "" {
			candidate.Name = code
		}
		if parentCode != "" {
			parent, err := tx.GetRoleByCode(ctx, parentCode)
			if err != nil {
				return fmt.Errorf("parent: %w", err)
			}
			candidate.ParentID = &parent.ID
		}
		var err error
		role, created, err = tx.GetOrCreateRole(ctx, candidate)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.WithFields(map[string]interface{}{"role": code, "parent": parentCode}).Info("role created")
	}
	return role, nil
}

// SetRoleParent changes the role's parent. An empty parentCode clears it.
// Links that would close a cycle are rejected with ErrRoleCycle.
func (r *Resolver) SetRoleParent(ctx context.Context, roleCode, parentCode string) error {
	var users []int64
	err := r.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRoleByCode(ctx, roleCode)
		if err != nil {
			return err
		}
		var parentID *int64
		if parentCode != "" {
			parent, err := tx.GetRoleByCode(ctx, parentCode)
			if err != nil {
				return fmt.Errorf("parent: %w", err)
			}
			if err := r.checkCycle(ctx, tx, role.ID, parent.ID); err != nil {
				return err
			}
			parentID = &parent.ID
		}
		if err := tx.SetRoleParent(ctx, role.ID, parentID); err != nil {
			return err
		}
		if users, err = r.holders(ctx, tx, role.ID); err != nil {
			return err
		}
		return r.invalidateUsers(ctx, tx, users, "reparent")
	})
	if err != nil {
		return err
	}
	r.afterCommit(ctx, func() error { return r.invalidateUsers(ctx, r.store, users, "reparent") })

	r.logger.WithFields(map[string]interface{}{"role": roleCode, "parent": parentCode}).Info("role parent changed")
	return nil
}

func (r *Resolver) checkCycle(ctx context.Context, store Store, roleID, parentID int64) error {
	if roleID == parentID {
		return ErrRoleCycle
	}
	chain, err := r.ancestors(ctx, store, []int64{parentID})
	if err != nil {
		return err
	}
	for _, id := range chain {
		if id == roleID {
			return ErrRoleCycle
		}
	}
	return nil
}

// CreatePermission returns the permission with code, creating it when absent
func (r *Resolver) CreatePermission(ctx context.Context, code, name, group string) (*Permission, error) {
	if name == "" {
		name = code
	}
	perm, created, err := r.store.GetOrCreatePermission(ctx, &Permission{Code: code, Name: name, Group: group})
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.WithFields(map[string]interface{}{"permission": code, "group": group}).Info("permission created")
	}
	return perm, nil
}

// ListRoles returns every role ordered by code
func (r *Resolver) ListRoles(ctx context.Context) ([]*Role, error) {
	return r.store.ListRoles(ctx)
}

// ListAssignments returns a user's assignments
func (r *Resolver) ListAssignments(ctx context.Context, userID int64) ([]*Assignment, error) {
	return r.store.ListAssignments(ctx, userID)
}

// holders returns users whose resolution depends on roleID, directly or
// through a role inheriting from it.
func (r *Resolver) holders(ctx context.Context, store Store, roleID int64) ([]int64, error) {
	roles, err := r.descendants(ctx, store, []int64{roleID})
	if err != nil {
		return nil, err
	}
	return store.UserIDsWithRoles(ctx, roles)
}

// invalidateAssignment clears the entries an assignment change can affect.
// A global assignment feeds every scope, so all of the user's entries go.
func (r *Resolver) invalidateAssignment(ctx context.Context, userID int64, scope Scope, reason string) error {
	for _, key := range []string{CacheKey(userID, scope), CacheKey(userID, GlobalScope)} {
		r.flight.Forget(key)
	}
	var (
		n   int
		err error
	)
	if scope.IsGlobal() {
		n, err = r.cache.InvalidateUser(ctx, userID)
	} else {
		n, err = r.cache.Invalidate(ctx, userID, scope, GlobalScope)
	}
	if err != nil {
		r.metrics.CacheError("invalidate")
		return fmt.Errorf("failed to invalidate permission cache: %w", err)
	}
	r.metrics.Invalidated(reason, n)
	return nil
}

// invalidateUsers clears every queried scope of each user, then any entry
// cached for a scope the user only reaches through a global assignment.
func (r *Resolver) invalidateUsers(ctx context.Context, store Store, users []int64, reason string) error {
	for _, uid := range users {
		scopes, err := store.UserScopes(ctx, uid)
		if err != nil {
			return err
		}
		scopes = append(scopes, GlobalScope)
		for _, s := range scopes {
			r.flight.Forget(CacheKey(uid, s))
		}
		n, err := r.cache.Invalidate(ctx, uid, scopes...)
		if err != nil {
			r.metrics.CacheError("invalidate")
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
		m, err := r.cache.InvalidateUser(ctx, uid)
		if err != nil {
			r.metrics.CacheError("invalidate")
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
		r.metrics.Invalidated(reason, n+m)
	}
	return nil
}

// afterCommit repeats an invalidation once the transaction is visible, so a
// resolution that read the old rows mid-transaction is not left cached.
func (r *Resolver) afterCommit(ctx context.Context, fn func() error) {
	if err := fn(); err != nil {
		r.logger.WithError(err).Warn("post-commit permission cache invalidation failed")
	}
}
