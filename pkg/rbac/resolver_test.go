package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/observability"
)

func TestResolvePermissions_Inheritance(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	f.role(t, "viewer", "", "task.view", "project.view")
	f.role(t, "editor", "viewer", "task.edit")
	f.role(t, "manager", "editor", "task.delete")
	f.assign(t, 1, "manager", GlobalScope)

	perms, err := f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"project.view", "task.delete", "task.edit", "task.view"}, perms.Codes())
}

func TestResolvePermissions_Scoping(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	f.role(t, "viewer", "", "task.view")
	f.role(t, "commenter", "", "comment.create")
	f.assign(t, 1, "viewer", ProjectScope(1))
	f.assign(t, 1, "commenter", GlobalScope)

	tests := []struct {
		name  string
		scope Scope
		want  []string
	}{
		{"assigned scope sees scoped and global", ProjectScope(1), []string{"comment.create", "task.view"}},
		{"other scope sees only global", ProjectScope(2), []string{"comment.create"}},
		{"global ignores scoped assignments", GlobalScope, []string{"comment.create"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms, err := f.resolver.ResolvePermissions(ctx, member(1), tt.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, perms.Codes())
		})
	}
}

func TestResolvePermissions_SpecialUsers(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "viewer", "", "task.view")
	f.assign(t, 1, "viewer", GlobalScope)

	perms, err := f.resolver.ResolvePermissions(ctx, auth.Anonymous, GlobalScope)
	require.NoError(t, err)
	assert.Empty(t, perms)

	inactive := member(1)
	inactive.IsActive = false
	ok, err := f.resolver.HasPermission(ctx, inactive, "task.view", GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)

	root := member(99)
	root.IsSuperuser = true
	ok, err = f.resolver.HasPermission(ctx, root, "anything.at.all", ProjectScope(5))
	require.NoError(t, err)
	assert.True(t, ok)
	perms, err = f.resolver.ResolvePermissions(ctx, root, GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, []string{Wildcard}, perms.Codes())
}

func TestHasPermission_Wildcard(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "owner", "", Wildcard)
	f.assign(t, 3, "owner", ProjectScope(7))

	ok, err := f.resolver.HasPermission(ctx, member(3), "task.delete", ProjectScope(7))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.resolver.HasPermission(ctx, member(3), "task.delete", ProjectScope(8))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequire(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "viewer", "", "task.view")
	f.assign(t, 1, "viewer", GlobalScope)

	assert.NoError(t, f.resolver.Require(ctx, member(1), "task.view", GlobalScope))
	assert.ErrorIs(t, f.resolver.Require(ctx, member(1), "task.edit", GlobalScope), ErrPermissionDenied)
	assert.ErrorIs(t, f.resolver.Require(ctx, auth.Anonymous, "task.view", GlobalScope), ErrUnauthenticated)
}

func TestRoleCycles(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	a := f.role(t, "a", "", "perm.a")
	b := f.role(t, "b", "a", "perm.b")
	f.role(t, "c", "b", "perm.c")

	assert.ErrorIs(t, f.resolver.SetRoleParent(ctx, "a", "c"), ErrRoleCycle)
	assert.ErrorIs(t, f.resolver.SetRoleParent(ctx, "a", "a"), ErrRoleCycle)

	// a cycle written directly to storage still resolves and terminates
	require.NoError(t, f.store.SetRoleParent(ctx, a.ID, &b.ID))
	f.assign(t, 1, "a", GlobalScope)

	perms, err := f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"perm.a", "perm.b"}, perms.Codes())

	scopes, err := f.resolver.ScopesWithPermission(ctx, member(1), "perm.b")
	require.NoError(t, err)
	assert.Equal(t, []Scope{GlobalScope}, scopes)
}

func TestResolvePermissions_MaxDepth(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, Config{CacheTTL: time.Hour, MaxDepth: 3}, metrics)
	ctx := context.Background()

	// r0 <- r1 <- ... <- r5, each granting perm.N
	parent := ""
	for i := 0; i <= 5; i++ {
		code := "r" + itoa(int64(i))
		f.role(t, code, parent, "perm."+itoa(int64(i)))
		parent = code
	}
	f.assign(t, 1, "r5", GlobalScope)

	perms, err := f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"perm.2", "perm.3", "perm.4", "perm.5"}, perms.Codes())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RBACDepthExhaustedTotal))
}

func TestSetRoleParent_InvalidatesHolders(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "base", "", "task.view")
	f.role(t, "extra", "", "task.edit")
	f.assign(t, 1, "extra", ProjectScope(1))

	ok, err := f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.resolver.SetRoleParent(ctx, "extra", "base"))

	ok, err = f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.resolver.SetRoleParent(ctx, "extra", ""))
	ok, err = f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()

	t.Run("grant and revoke reach cached holders", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.role(t, "viewer", "", "task.view")
		_, err := f.resolver.CreatePermission(ctx, "task.edit", "Edit tasks", "tasks")
		require.NoError(t, err)
		f.assign(t, 1, "viewer", ProjectScope(1))

		ok, err := f.resolver.HasPermission(ctx, member(1), "task.edit", ProjectScope(1))
		require.NoError(t, err)
		require.False(t, ok)

		changed, err := f.resolver.GrantPermission(ctx, "viewer", "task.edit")
		require.NoError(t, err)
		assert.True(t, changed)

		ok, err = f.resolver.HasPermission(ctx, member(1), "task.edit", ProjectScope(1))
		require.NoError(t, err)
		assert.True(t, ok)

		changed, err = f.resolver.RevokePermission(ctx, "viewer", "task.edit")
		require.NoError(t, err)
		assert.True(t, changed)

		ok, err = f.resolver.HasPermission(ctx, member(1), "task.edit", ProjectScope(1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("grant reaches scopes resolved through a global role", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.role(t, "staff", "", "task.view")
		_, err := f.resolver.CreatePermission(ctx, "task.edit", "", "")
		require.NoError(t, err)
		f.assign(t, 1, "staff", GlobalScope)

		_, err = f.resolver.ResolvePermissions(ctx, member(1), ProjectScope(42))
		require.NoError(t, err)

		_, err = f.resolver.GrantPermission(ctx, "staff", "task.edit")
		require.NoError(t, err)

		ok, err := f.resolver.HasPermission(ctx, member(1), "task.edit", ProjectScope(42))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("grant reaches global-role scopes containing a slash", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.role(t, "viewer", "", "task.view")
		_, err := f.resolver.CreatePermission(ctx, "task.edit", "", "")
		require.NoError(t, err)
		f.assign(t, 1, "viewer", GlobalScope)

		scopes := []Scope{ProjectScope(7), Scope("repo:org/name")}
		for _, s := range scopes {
			ok, err := f.resolver.HasPermission(ctx, member(1), "task.edit", s)
			require.NoError(t, err)
			require.False(t, ok)
		}

		_, err = f.resolver.GrantPermission(ctx, "viewer", "task.edit")
		require.NoError(t, err)
		for _, s := range scopes {
			ok, err := f.resolver.HasPermission(ctx, member(1), "task.edit", s)
			require.NoError(t, err)
			assert.True(t, ok, "scope %q after grant", s)
		}

		_, err = f.resolver.RemoveRole(ctx, 1, "viewer", GlobalScope)
		require.NoError(t, err)
		for _, s := range scopes {
			ok, err := f.resolver.HasPermission(ctx, member(1), "task.view", s)
			require.NoError(t, err)
			assert.False(t, ok, "scope %q after removal", s)
		}
	})

	t.Run("grant on a parent reaches holders of the child", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.role(t, "viewer", "", "task.view")
		f.role(t, "editor", "viewer", "task.edit")
		_, err := f.resolver.CreatePermission(ctx, "report.view", "", "")
		require.NoError(t, err)
		f.assign(t, 2, "editor", ProjectScope(3))

		_, err = f.resolver.ResolvePermissions(ctx, member(2), ProjectScope(3))
		require.NoError(t, err)
		_, err = f.resolver.GrantPermission(ctx, "viewer", "report.view")
		require.NoError(t, err)

		ok, err := f.resolver.HasPermission(ctx, member(2), "report.view", ProjectScope(3))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("assign and remove", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.role(t, "viewer", "", "task.view")

		ok, err := f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
		require.NoError(t, err)
		require.False(t, ok)

		f.assign(t, 1, "viewer", GlobalScope)
		ok, err = f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
		require.NoError(t, err)
		assert.True(t, ok)

		removed, err := f.resolver.RemoveRole(ctx, 1, "viewer", GlobalScope)
		require.NoError(t, err)
		assert.True(t, removed)
		ok, err = f.resolver.HasPermission(ctx, member(1), "task.view", ProjectScope(1))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestResolvePermissions_ServesFromCache(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	viewer := f.role(t, "viewer", "", "task.view")
	perm, err := f.resolver.CreatePermission(ctx, "task.edit", "", "")
	require.NoError(t, err)
	f.assign(t, 1, "viewer", GlobalScope)

	_, err = f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	_, err = f.cache.Get(ctx, CacheKey(1, GlobalScope))
	require.NoError(t, err)

	// a write that bypasses the resolver is not seen until the entry goes
	_, err = f.store.AddRolePermission(ctx, viewer.ID, perm.ID)
	require.NoError(t, err)
	perms, err := f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	assert.False(t, perms.Has("task.edit"))

	require.NoError(t, f.cache.Delete(ctx, CacheKey(1, GlobalScope)))
	perms, err = f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
	require.NoError(t, err)
	assert.True(t, perms.Has("task.edit"))
}

func TestResolvePermissions_CachesEmptySets(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	perms, err := f.resolver.ResolvePermissions(ctx, member(5), ProjectScope(1))
	require.NoError(t, err)
	assert.Empty(t, perms)

	raw, err := f.cache.Get(ctx, CacheKey(5, ProjectScope(1)))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestResolvePermissions_ConcurrentMisses(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "viewer", "", "task.view", "project.view")
	f.assign(t, 1, "viewer", GlobalScope)

	var wg sync.WaitGroup
	results := make([][]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			perms, err := f.resolver.ResolvePermissions(ctx, member(1), GlobalScope)
			if assert.NoError(t, err) {
				perms["mutated"] = struct{}{}
				delete(perms, "mutated")
				results[i] = perms.Codes()
			}
		}(i)
	}
	wg.Wait()

	for _, codes := range results {
		assert.Equal(t, []string{"project.view", "task.view"}, codes)
	}
}

// failingCache simulates an unreachable backend
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, cache.ErrUnavailable
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return cache.ErrUnavailable
}
func (failingCache) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}
func (failingCache) Delete(context.Context, ...string) error { return cache.ErrUnavailable }
func (failingCache) DeletePrefix(context.Context, string) (int, error) {
	return 0, cache.ErrUnavailable
}
func (failingCache) Ping(context.Context) error { return cache.ErrUnavailable }
func (failingCache) Close() error               { return nil }

func TestCacheUnavailable(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixtureWithCache(t, DefaultConfig(), metrics, failingCache{})
	ctx := context.Background()

	_, err := f.resolver.CreateRole(ctx, "viewer", "Viewer", "", "")
	require.NoError(t, err)
	_, err = f.resolver.CreatePermission(ctx, "task.view", "", "")
	require.NoError(t, err)

	// mutations roll back when invalidation cannot happen
	_, err = f.resolver.GrantPermission(ctx, "viewer", "task.view")
	require.NoError(t, err, "no holders means nothing to invalidate")

	_, err = f.resolver.AssignRole(ctx, 1, "viewer", GlobalScope)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrUnavailable))

	assignments, err := f.resolver.ListAssignments(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, assignments)

	// resolution falls back to the store
	viewer, err := f.store.GetRoleByCode(ctx, "viewer")
	require.NoError(t, err)
	_, err = f.store.CreateAssignment(ctx, 1, viewer.ID, GlobalScope)
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, member(1), "task.view", GlobalScope)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RBACCacheErrorsTotal.WithLabelValues("get")))
}

func TestAssignRole_Idempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	f.role(t, "viewer", "", "task.view")

	created, err := f.resolver.AssignRole(ctx, 1, "viewer", ProjectScope(1))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = f.resolver.AssignRole(ctx, 1, "viewer", ProjectScope(1))
	require.NoError(t, err)
	assert.False(t, created)
	created, err = f.resolver.AssignRole(ctx, 1, "viewer", GlobalScope)
	require.NoError(t, err)
	assert.True(t, created)

	assignments, err := f.resolver.ListAssignments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, GlobalScope, assignments[0].Scope)
	assert.Equal(t, ProjectScope(1), assignments[1].Scope)
	assert.Equal(t, "viewer", assignments[1].RoleCode)

	removed, err := f.resolver.RemoveRole(ctx, 1, "viewer", ProjectScope(2))
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.resolver.AssignRole(ctx, 1, "ghost", GlobalScope)
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestCreateRoleAndPermission_GetOrCreate(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	first, err := f.resolver.CreateRole(ctx, "viewer", "Viewer", "Read only", "")
	require.NoError(t, err)
	second, err := f.resolver.CreateRole(ctx, "viewer", "Renamed", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Viewer", second.Name)
	assert.Nil(t, second.ParentID)

	child, err := f.resolver.CreateRole(ctx, "editor", "", "", "viewer")
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, first.ID, *child.ParentID)
	assert.Equal(t, "editor", child.Name)

	_, err = f.resolver.CreateRole(ctx, "orphan", "", "", "missing")
	assert.ErrorIs(t, err, ErrRoleNotFound)

	p1, err := f.resolver.CreatePermission(ctx, "task.view", "View tasks", "tasks")
	require.NoError(t, err)
	p2, err := f.resolver.CreatePermission(ctx, "task.view", "Other", "other")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "tasks", p2.Group)

	_, err = f.resolver.GrantPermission(ctx, "viewer", "nope")
	assert.ErrorIs(t, err, ErrPermissionNotFound)

	roles, err := f.resolver.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "editor", roles[0].Code)
}

func TestScopesWithPermission(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	f.role(t, "viewer", "", "task.view")
	f.role(t, "editor", "viewer", "task.edit")
	f.role(t, "owner", "", Wildcard)
	f.assign(t, 1, "viewer", ProjectScope(1))
	f.assign(t, 1, "editor", ProjectScope(2))
	f.assign(t, 2, "owner", ProjectScope(9))
	f.assign(t, 3, "viewer", GlobalScope)

	scopes, err := f.resolver.ScopesWithPermission(ctx, member(1), "task.view")
	require.NoError(t, err)
	assert.Equal(t, []Scope{ProjectScope(1), ProjectScope(2)}, scopes)

	scopes, err = f.resolver.ScopesWithPermission(ctx, member(1), "task.edit")
	require.NoError(t, err)
	assert.Equal(t, []Scope{ProjectScope(2)}, scopes)

	scopes, err = f.resolver.ScopesWithPermission(ctx, member(2), "task.delete")
	require.NoError(t, err)
	assert.Equal(t, []Scope{ProjectScope(9)}, scopes)

	scopes, err = f.resolver.ScopesWithPermission(ctx, member(3), "task.view")
	require.NoError(t, err)
	assert.True(t, Unrestricted(scopes))

	scopes, err = f.resolver.ScopesWithPermission(ctx, auth.Anonymous, "task.view")
	require.NoError(t, err)
	assert.Empty(t, scopes)

	root := member(100)
	root.IsSuperuser = true
	scopes, err = f.resolver.ScopesWithPermission(ctx, root, "task.view")
	require.NoError(t, err)
	assert.Equal(t, []Scope{GlobalScope}, scopes)

	// every scope where has_permission holds is listed
	for _, s := range []Scope{ProjectScope(1), ProjectScope(2)} {
		ok, err := f.resolver.HasPermission(ctx, member(1), "task.view", s)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
