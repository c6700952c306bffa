package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := DefaultRegistry().Get("Task")
	require.NoError(t, err)
	return s
}

func TestDiffEngine_EmptyValueNormalization(t *testing.T) {
	engine := NewDiffEngine(nil, nil)
	schema := taskSchema(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		old, new interface{}
		want     *Change
	}{
		{"value cleared", "Initial", "", &Change{VerboseName: "Title", Old: "Initial", New: ""}},
		{"empty re-saved", "", "", nil},
		{"nil to empty", nil, "", nil},
		{"empty to nil", "", nil, nil},
		{"value set", nil, "Fresh", &Change{VerboseName: "Title", Old: nil, New: "Fresh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff, err := engine.Compute(ctx, SystemExec(), schema, Snapshot{"title": tt.old}, Snapshot{"title": tt.new})
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, diff)
				return
			}
			assert.Equal(t, Diff{"title": *tt.want}, diff)
		})
	}
}

func TestDiffEngine_Rendering(t *testing.T) {
	refs := References{"User": UserResolver{Users: users}}
	engine := NewDiffEngine(refs, nil)
	schema := taskSchema(t)

	before := Snapshot{
		"title":      "Write docs",
		"status":     "todo",
		"priority":   "medium",
		"user":       "1",
		"due_at":     epoch,
		"updated_at": epoch,
		"note":       "a",
	}
	after := Snapshot{
		"title":      "Write docs",
		"status":     "in_progress",
		"priority":   "urgent",
		"user":       int64(2),
		"due_at":     epoch.Add(24 * time.Hour),
		"updated_at": epoch.Add(time.Minute),
		"note":       "b",
	}

	diff, err := engine.Compute(context.Background(), SystemExec(), schema, before, after)
	require.NoError(t, err)

	assert.Equal(t, Diff{
		"status":   {VerboseName: "Status", Old: "To Do", New: "In Progress"},
		"priority": {VerboseName: "Priority", Old: "Medium", New: "urgent"},
		"user":     {VerboseName: "Owner", Old: "Alice Chen (Manager)", New: "Bob Stone (Developer)"},
		"due_at":   {VerboseName: "Due At", Old: "2026-03-14T09:30:00Z", New: "2026-03-15T09:30:00Z"},
		"note":     {VerboseName: "note", Old: "a", New: "b"},
	}, diff)
}

func TestDiffEngine_References(t *testing.T) {
	schema := taskSchema(t)
	ctx := context.Background()

	t.Run("deleted user", func(t *testing.T) {
		engine := NewDiffEngine(References{"User": UserResolver{Users: users}}, nil)
		diff, err := engine.Compute(ctx, SystemExec(), schema, Snapshot{"user": int64(3)}, Snapshot{"user": int64(99)})
		require.NoError(t, err)
		assert.Equal(t, "carol", diff["user"].Old)
		assert.Equal(t, "Deleted User (99)", diff["user"].New)
	})

	t.Run("unassigned", func(t *testing.T) {
		engine := NewDiffEngine(References{"User": UserResolver{Users: users}}, nil)
		diff, err := engine.Compute(ctx, SystemExec(), schema, Snapshot{"user": nil}, Snapshot{"user": "1"})
		require.NoError(t, err)
		assert.Nil(t, diff["user"].Old)
		assert.Equal(t, "Alice Chen (Manager)", diff["user"].New)
	})

	t.Run("lookup failure renders raw id", func(t *testing.T) {
		broken := ResolverFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("connection reset")
		})
		engine := NewDiffEngine(References{"Project": broken}, nil)
		diff, err := engine.Compute(ctx, SystemExec(), schema, Snapshot{"project": 4}, Snapshot{"project": 5})
		require.NoError(t, err)
		assert.Equal(t, Change{VerboseName: "Project", Old: "4", New: "5"}, diff["project"])
	})

	t.Run("no resolver for type", func(t *testing.T) {
		engine := NewDiffEngine(References{}, nil)
		diff, err := engine.Compute(ctx, SystemExec(), schema, Snapshot{"user": 1}, Snapshot{"user": 2})
		require.NoError(t, err)
		assert.Equal(t, "1", diff["user"].Old)
		assert.Equal(t, "2", diff["user"].New)
	})
}

func TestDiffEngine_TypedEquality(t *testing.T) {
	registry := DefaultRegistry()
	project, err := registry.Get("Project")
	require.NoError(t, err)
	engine := NewDiffEngine(nil, nil)
	ctx := context.Background()

	t.Run("equal values in different representations", func(t *testing.T) {
		before := Snapshot{
			"overall_progress": "12.50",
			"start_date":       "2026-03-01",
		}
		after := Snapshot{
			"overall_progress": 12.5,
			"start_date":       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}
		diff, err := engine.Compute(ctx, SystemExec(), project, before, after)
		require.NoError(t, err)
		assert.Empty(t, diff)
	})

	t.Run("decimal and date rendering", func(t *testing.T) {
		before := Snapshot{"overall_progress": 10, "end_date": nil}
		after := Snapshot{"overall_progress": 12.5, "end_date": time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)}
		diff, err := engine.Compute(ctx, SystemExec(), project, before, after)
		require.NoError(t, err)
		assert.Equal(t, Diff{
			"overall_progress": {VerboseName: "Overall Progress (%)", Old: "10.00", New: "12.50"},
			"end_date":         {VerboseName: "End Date", Old: nil, New: "2026-06-30"},
		}, diff)
	})

	t.Run("same instant in another zone", func(t *testing.T) {
		task := taskSchema(t)
		zoned := epoch.In(time.FixedZone("UTC+8", 8*3600))
		diff, err := engine.Compute(ctx, SystemExec(), task, Snapshot{"due_at": epoch}, Snapshot{"due_at": zoned})
		require.NoError(t, err)
		assert.Empty(t, diff)
	})
}

func TestDiffEngine_FieldsMissingFromNewState(t *testing.T) {
	engine := NewDiffEngine(nil, nil)
	diff, err := engine.Compute(context.Background(), SystemExec(), taskSchema(t),
		Snapshot{"title": "A", "content": "body"},
		Snapshot{"title": "B"},
	)
	require.NoError(t, err)
	assert.Equal(t, Diff{"title": {VerboseName: "Title", Old: "A", New: "B"}}, diff)
}

func TestDiffEngine_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDiffEngine(nil, nil).Compute(ctx, SystemExec(), taskSchema(t), Snapshot{}, Snapshot{"title": "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiffEngine_DecimalKeepsSourcePrecision(t *testing.T) {
	r, err := ParseRegistry([]byte("entities:\n  - type: Budget\n    fields:\n      - {name: amount, label: Amount, kind: decimal}\n"))
	require.NoError(t, err)
	schema, err := r.Get("Budget")
	require.NoError(t, err)
	engine := NewDiffEngine(nil, nil)

	tests := []struct {
		name     string
		old, new interface{}
		want     interface{}
	}{
		{"beyond float64 precision", "12345678901234567.890", "12345678901234567.891", "12345678901234567.891"},
		{"trailing zeros kept", 1, json.Number("1.50"), "1.50"},
		{"float input", 1, 0.1, "0.1"},
		{"exponent input", 1, "2.5e-3", "0.0025"},
		{"integer", 1.5, int64(10), "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff, err := engine.Compute(context.Background(), SystemExec(), schema, Snapshot{"amount": tt.old}, Snapshot{"amount": tt.new})
			require.NoError(t, err)
			require.Contains(t, diff, "amount")
			assert.Equal(t, tt.want, diff["amount"].New)
		})
	}
}
