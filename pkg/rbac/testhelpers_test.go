package rbac

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/database"
	"github.com/platinummonkey/taskward/pkg/observability"
)

type fixture struct {
	resolver *Resolver
	store    *SQLStore
	cache    *cache.MemoryCache
}

func newFixture(t *testing.T, cfg Config, metrics *observability.Metrics) *fixture {
	t.Helper()
	return newFixtureWithCache(t, cfg, metrics, cache.NewMemoryCache(1000, time.Hour))
}

func newFixtureWithCache(t *testing.T, cfg Config, metrics *observability.Metrics, backend cache.Cache) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dialect := database.DialectFor(database.DriverSQLite)
	require.NoError(t, Migrate(ctx, db, dialect))

	store := NewSQLStore(db, dialect)
	f := &fixture{
		resolver: NewResolver(store, backend, cfg, nil, metrics),
		store:    store,
	}
	if mem, ok := backend.(*cache.MemoryCache); ok {
		f.cache = mem
	}
	return f
}

// role creates a role with the given permissions, creating permissions as needed
func (f *fixture) role(t *testing.T, code, parent string, perms ...string) *Role {
	t.Helper()
	ctx := context.Background()
	r, err := f.resolver.CreateRole(ctx, code, "", "", parent)
	require.NoError(t, err)
	for _, p := range perms {
		_, err := f.resolver.CreatePermission(ctx, p, "", "")
		require.NoError(t, err)
		_, err = f.resolver.GrantPermission(ctx, code, p)
		require.NoError(t, err)
	}
	return r
}

func (f *fixture) assign(t *testing.T, userID int64, role string, scope Scope) {
	t.Helper()
	_, err := f.resolver.AssignRole(context.Background(), userID, role, scope)
	require.NoError(t, err)
}

func member(id int64) *auth.User {
	return &auth.User{ID: id, Username: "user" + itoa(id), IsActive: true}
}

// SkipIfNoDatabase returns the PostgreSQL DSN from TASKWARD_TEST_POSTGRES or
// skips the test when it is not set.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}
	dsn := os.Getenv("TASKWARD_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("Skipping test: TASKWARD_TEST_POSTGRES environment variable not set (database not available)")
	}
	return dsn
}
