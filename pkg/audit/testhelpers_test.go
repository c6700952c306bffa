package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/database"
	"github.com/platinummonkey/taskward/pkg/observability"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// userDirectory is an in-memory UserLookup
type userDirectory map[int64]*auth.User

func (d userDirectory) GetUser(_ context.Context, id int64) (*auth.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}

var users = userDirectory{
	1: {ID: 1, Username: "alice", FullName: "Alice Chen", RoleLabel: "Manager", IsActive: true},
	2: {ID: 2, Username: "bob", FullName: "Bob Stone", RoleLabel: "Developer", IsActive: true},
	3: {ID: 3, Username: "carol", IsActive: true},
}

// snapshots is an in-memory SnapshotLoader
type snapshots struct {
	mu   sync.Mutex
	rows map[string]Snapshot
}

func (s *snapshots) LoadSnapshot(_ context.Context, entityType, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[entityType+":"+id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	out := make(Snapshot, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out, nil
}

func (s *snapshots) save(entityType, id string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[entityType+":"+id] = snap
}

type fixture struct {
	store    *SQLStore
	recorder *Recorder
	hook     *Hook
	rows     *snapshots
	clock    *testClock
}

// testClock is a settable clock shared by every Exec a fixture hands out
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, backend cache.Cache, metrics *observability.Metrics) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dialect := database.DialectFor(database.DriverSQLite)
	require.NoError(t, Migrate(ctx, db, dialect))

	store := NewSQLStore(db, dialect)
	guard := NewDedupGuard(backend, store, DefaultDedupConfig(), nil, metrics)
	recorder := NewRecorder(store, guard, nil, metrics)
	projects := ResolverFunc(func(_ context.Context, _ string, id string) (string, error) {
		return "Project " + id, nil
	})
	refs := References{"User": UserResolver{Users: users}, "Project": projects}
	rows := &snapshots{rows: make(map[string]Snapshot)}

	return &fixture{
		store:    store,
		recorder: recorder,
		hook:     NewHook(DefaultRegistry(), rows, refs, recorder, nil),
		rows:     rows,
		clock:    &testClock{now: epoch},
	}
}

func (f *fixture) exec(userID int64) Exec {
	e := Exec{IP: "10.0.0.8", RequestID: "req-1", Now: f.clock.Now}
	if u, ok := users[userID]; ok {
		e.Actor = u
	}
	return e
}

// records returns every stored record of a target, oldest first
func (f *fixture) records(t *testing.T, targetType, targetID string) []*Record {
	t.Helper()
	recs, err := f.store.History(context.Background(), targetType, targetID, HistoryFilter{})
	require.NoError(t, err)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

// saveTask runs one captured write of a task
func (f *fixture) saveTask(t *testing.T, exec Exec, id string, state Snapshot) *Record {
	t.Helper()
	ctx := context.Background()
	m, err := f.hook.Before(ctx, exec, "Task", id)
	require.NoError(t, err)

	f.rows.save("Task", id, state)
	projectID := int64(7)
	m.Entity = Entity{ID: id, Label: "Task " + id, ProjectID: &projectID, State: state}

	rec, err := f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	return rec
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
