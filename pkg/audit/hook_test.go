package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/observability"
)

func TestHook_CreateUpdateAndRedelivery(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	ctx := context.Background()
	exec := f.exec(1)

	created := f.saveTask(t, exec, "42", Snapshot{"title": "Task 1", "status": "todo"})
	require.NotNil(t, created)
	assert.Equal(t, ActionCreate, created.Action)
	assert.Empty(t, created.Details.Diff)
	assert.Equal(t, "Alice Chen", created.ActorName)
	assert.Equal(t, int64(1), *created.ActorID)
	assert.Equal(t, "10.0.0.8", created.IP)
	assert.Equal(t, int64(7), *created.ProjectID)

	f.clock.Advance(time.Second)
	m, err := f.hook.Before(ctx, exec, "Task", "42")
	require.NoError(t, err)
	assert.False(t, m.Created)
	m.Entity = Entity{ID: "42", Label: "Task 1", State: Snapshot{"title": "Task 1", "status": "in_progress"}}

	updated, err := f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, ActionUpdate, updated.Action)
	assert.Equal(t, Diff{"status": {VerboseName: "Status", Old: "To Do", New: "In Progress"}}, updated.Details.Diff)

	// the same logical update delivered again
	again, err := f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	assert.Nil(t, again)

	recs := f.records(t, "Task", "42")
	require.Len(t, recs, 2)
	assert.Equal(t, ActionCreate, recs[0].Action)
	assert.Equal(t, ActionUpdate, recs[1].Action)
	assert.Equal(t, "In Progress", recs[1].Details.Diff["status"].New)
}

func TestHook_DuplicateCreateSuppressed(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	exec := f.exec(1)

	require.NotNil(t, f.saveTask(t, exec, "1", Snapshot{"title": "A"}))

	m := &Mutation{Type: "Task", Before: Snapshot{}, Created: true, Entity: Entity{ID: "1", Label: "A"}}
	rec, err := f.hook.After(context.Background(), exec, m)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, f.records(t, "Task", "1"), 1)
}

func TestHook_NoChangeWritesNothing(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	exec := f.exec(1)

	f.saveTask(t, exec, "5", Snapshot{"title": "A", "content": ""})
	rec := f.saveTask(t, exec, "5", Snapshot{"title": "A", "content": nil, "updated_at": epoch})
	assert.Nil(t, rec)
	assert.Len(t, f.records(t, "Task", "5"), 1)
}

func TestHook_ConcurrentIdenticalUpdates(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), metrics)
	ctx := context.Background()
	exec := f.exec(2)
	f.rows.save("Task", "9", Snapshot{"priority": "medium"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.hook.Before(ctx, exec, "Task", "9")
			if !assert.NoError(t, err) {
				return
			}
			m.Entity = Entity{ID: "9", Label: "Task 9", State: Snapshot{"priority": "high"}}
			_, err = f.hook.After(ctx, exec, m)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs := f.records(t, "Task", "9")
	assert.GreaterOrEqual(t, len(recs), 1)
	assert.LessOrEqual(t, len(recs), 2)
	assert.Equal(t, 1, len(recs), "set-if-absent lock admits exactly one")
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.AuditDedupRejected.WithLabelValues("lock")))
}

func TestHook_DistinctRapidUpdates(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	exec := f.exec(1)
	f.rows.save("Task", "3", Snapshot{"priority": "medium"})

	first := f.saveTask(t, exec, "3", Snapshot{"priority": "high"})
	second := f.saveTask(t, exec, "3", Snapshot{"priority": "low"})
	require.NotNil(t, first)
	require.NotNil(t, second)

	recs := f.records(t, "Task", "3")
	require.Len(t, recs, 2)
	assert.Equal(t, Change{VerboseName: "Priority", Old: "Medium", New: "High"}, recs[0].Details.Diff["priority"])
	assert.Equal(t, Change{VerboseName: "Priority", Old: "High", New: "Low"}, recs[1].Details.Diff["priority"])
}

func TestHook_CacheUnavailableFallsBackToStore(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, failingCache{}, metrics)
	ctx := context.Background()
	exec := f.exec(1)

	require.NotNil(t, f.saveTask(t, exec, "8", Snapshot{"title": "A"}))
	dup := &Mutation{Type: "Task", Before: Snapshot{}, Created: true, Entity: Entity{ID: "8"}}
	rec, err := f.hook.After(ctx, exec, dup)
	require.NoError(t, err)
	assert.Nil(t, rec, "store confirmation rejects the second create")

	m := &Mutation{Type: "Task", Before: Snapshot{"title": "A"}, Entity: Entity{ID: "8", State: Snapshot{"title": "B"}}}
	rec, err = f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec, err = f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.Len(t, f.records(t, "Task", "8"), 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditDedupRejected.WithLabelValues("recent")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.RBACCacheErrorsTotal.WithLabelValues("dedup_lock")))
}

func TestHook_UpdateOutsideWindowIsRecorded(t *testing.T) {
	f := newFixture(t, failingCache{}, nil)
	ctx := context.Background()
	exec := f.exec(1)

	m := &Mutation{Type: "Task", Before: Snapshot{"status": "todo"}, Entity: Entity{ID: "4", State: Snapshot{"status": "done"}}}
	rec, err := f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	require.NotNil(t, rec)

	f.clock.Advance(6 * time.Second)
	rec, err = f.hook.After(ctx, exec, m)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestHook_UntrackedEntity(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.hook.Before(context.Background(), f.exec(1), "Invoice", "1")
	assert.ErrorIs(t, err, ErrUntrackedEntity)
}

func TestHook_Relations(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	ctx := context.Background()
	exec := f.exec(1)
	projectID := int64(12)
	project := Entity{Type: "Project", ID: "12", Label: "Apollo", ProjectID: &projectID}

	rec, err := f.hook.RelationChanged(ctx, exec, RelationChange{
		Owner: project, Relation: "members", Action: RelationAdded, MemberIDs: []string{"1", "3", "77"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ActionUpdate, rec.Action)
	assert.Equal(t, Change{
		VerboseName: "Members",
		Action:      RelationAdded,
		Values:      []string{"Alice Chen (Manager)", "carol", "Deleted User (77)"},
	}, rec.Details.Diff["members"])

	rec, err = f.hook.RelationChanged(ctx, exec, RelationChange{Owner: project, Relation: "managers", Action: RelationCleared})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{}, rec.Details.Diff["managers"].Values)

	_, err = f.hook.RelationChanged(ctx, exec, RelationChange{Owner: project, Relation: "watchers", Action: RelationAdded})
	assert.ErrorIs(t, err, ErrUntrackedEntity)
}

func TestHook_MemberRelationChanged(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	p1, p2 := int64(1), int64(2)
	owners := []Entity{
		{Type: "Project", ID: "1", Label: "Apollo", ProjectID: &p1},
		{Type: "Project", ID: "2", Label: "Gemini", ProjectID: &p2},
	}

	recs, err := f.hook.MemberRelationChanged(context.Background(), f.exec(1), "2", "members", RelationRemoved, owners)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for i, rec := range recs {
		assert.Equal(t, owners[i].ID, rec.TargetID)
		assert.Equal(t, []string{"Bob Stone (Developer)"}, rec.Details.Diff["members"].Values)
		assert.Equal(t, RelationRemoved, rec.Details.Diff["members"].Action)
	}
}

func TestHook_Attachments(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	ctx := context.Background()
	exec := f.exec(2)
	owner := Entity{Type: "Task", ID: "6", Label: "Task 6"}

	up, err := f.hook.AttachmentUploaded(ctx, exec, owner, Attachment{ID: "a1", Filename: "spec.pdf", FileRef: "uploads/x1.pdf", Size: 2048})
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, ActionUpload, up.Action)
	assert.Equal(t, "spec.pdf", up.Details.Filename)
	assert.Equal(t, int64(2048), *up.Details.Size)

	before := Attachment{ID: "a1", Filename: "spec.pdf", FileRef: "uploads/x1.pdf", Size: 2048}
	after := Attachment{ID: "a1", Filename: "spec-v2.pdf", FileRef: "uploads/x2.pdf", Size: 4096}
	upd, err := f.hook.AttachmentUpdated(ctx, exec, owner, before, after)
	require.NoError(t, err)
	require.NotNil(t, upd)
	assert.Equal(t, ActionUpdate, upd.Action)
	assert.Equal(t, []string{"rename", "update_file"}, upd.Details.AttachmentActions)
	assert.Equal(t, map[string]interface{}{"old": "spec.pdf", "new": "spec-v2.pdf"}, upd.Details.Changes["rename"])
	assert.Equal(t, "spec-v2.pdf", upd.Details.Filename)

	none, err := f.hook.AttachmentUpdated(ctx, exec, owner, after, after)
	require.NoError(t, err)
	assert.Nil(t, none)

	del, err := f.hook.AttachmentDeleted(ctx, exec, owner, Attachment{ID: "a1", FileRef: "uploads/x2.pdf"})
	require.NoError(t, err)
	require.NotNil(t, del)
	assert.Equal(t, ActionDelete, del.Action)
	assert.Equal(t, Details{Filename: "uploads/x2.pdf", Type: "attachment"}, del.Details)

	stored, err := f.store.Get(ctx, upd.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(4096), stored.Details.Changes["file_update"]["new_size"])
}

func TestHook_CommentAndDelete(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(1000, time.Hour), nil)
	ctx := context.Background()
	owner := Entity{Type: "Task", ID: "11", Label: "Task 11"}

	c, err := f.hook.CommentAdded(ctx, f.exec(3), owner, "c-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ActionOther, c.Action)
	assert.Equal(t, "carol", c.ActorName)

	d, err := f.hook.Deleted(ctx, SystemExec(), owner)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Nil(t, d.ActorID)
	assert.Equal(t, SystemActor, d.ActorName)
}
