package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entitiesYAML = `
entities:
  - type: Milestone
    label: Milestone
    fields:
      - name: title
        label: Title
      - name: state
        label: State
        kind: choice
        choices:
          - {value: open, label: Open}
          - {value: shipped, label: Shipped}
      - name: owner
        kind: reference
        ref_type: User
    relations:
      - name: watchers
        ref_type: User
    ignore: [checksum]
`

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry([]byte(entitiesYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"Milestone"}, r.Types())

	s, err := r.Get("Milestone")
	require.NoError(t, err)

	state := s.Field("state")
	assert.Equal(t, KindChoice, state.Kind)
	label, ok := state.ChoiceLabel("shipped")
	assert.True(t, ok)
	assert.Equal(t, "Shipped", label)

	owner := s.Field("owner")
	assert.Equal(t, "owner", owner.Label, "label defaults to the name")
	assert.Equal(t, KindReference, owner.Kind)
	assert.Equal(t, KindText, s.Field("title").Kind)

	rel, ok := s.Relation("watchers")
	require.True(t, ok)
	assert.Equal(t, "watchers", rel.Label)

	assert.True(t, s.Ignored("checksum"))
	assert.True(t, s.Ignored("updated_at"), "default ignore list applies")
	assert.False(t, s.Ignored("title"))

	_, err = r.Get("Task")
	assert.ErrorIs(t, err, ErrUntrackedEntity)
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing type", "entities:\n  - label: X\n", "missing a type"},
		{"reference without target", "entities:\n  - type: X\n    fields:\n      - {name: owner, kind: reference}\n", "needs ref_type"},
		{"unknown kind", "entities:\n  - type: X\n    fields:\n      - {name: a, kind: blob}\n", "unknown field kind"},
		{"duplicate type", "entities:\n  - type: X\n  - type: X\n", "registered twice"},
		{"not yaml", "entities: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(entitiesYAML), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Milestone"}, r.Types())

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"Project", "Task"}, r.Types())

	task, err := r.Get("Task")
	require.NoError(t, err)
	label, ok := task.Field("status").ChoiceLabel("in_review")
	assert.True(t, ok)
	assert.Equal(t, "In Review", label)
	for _, f := range DefaultIgnoredFields {
		assert.True(t, task.Ignored(f), f)
	}
}

func TestBuiltinRegistry_CustomIgnoreList(t *testing.T) {
	r, err := BuiltinRegistry([]string{"content"})
	require.NoError(t, err)

	task, err := r.Get("Task")
	require.NoError(t, err)
	assert.True(t, task.Ignored("content"))
	assert.False(t, task.Ignored("updated_at"))
}
