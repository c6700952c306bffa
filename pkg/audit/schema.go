package audit

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldKind selects how a field's values are rendered in a diff
type FieldKind string

const (
	KindText      FieldKind = "text"
	KindChoice    FieldKind = "choice"
	KindReference FieldKind = "reference"
	KindTime      FieldKind = "time"
	KindDate      FieldKind = "date"
	KindDecimal   FieldKind = "decimal"
	KindNumber    FieldKind = "number"
	KindBool      FieldKind = "bool"
)

// Choice maps a stored value to its display label
type Choice struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// FieldSpec describes one tracked scalar field
type FieldSpec struct {
	Name    string    `yaml:"name"`
	Label   string    `yaml:"label"`
	Kind    FieldKind `yaml:"kind"`
	Choices []Choice  `yaml:"choices,omitempty"`
	// RefType names the referenced entity type for reference fields
	RefType string `yaml:"ref_type,omitempty"`
	// Places is the fixed-point precision of decimal fields
	Places int `yaml:"places,omitempty"`
}

// ChoiceLabel returns the label for value, or false when value has none
func (f *FieldSpec) ChoiceLabel(value string) (string, bool) {
	for _, c := range f.Choices {
		if c.Value == value {
			return c.Label, true
		}
	}
	return "", false
}

// RelationSpec describes a tracked multi-valued relationship
type RelationSpec struct {
	Name    string `yaml:"name"`
	Label   string `yaml:"label"`
	RefType string `yaml:"ref_type"`
}

// Schema describes a tracked entity type
type Schema struct {
	Type      string         `yaml:"type"`
	Label     string         `yaml:"label"`
	Fields    []FieldSpec    `yaml:"fields"`
	Relations []RelationSpec `yaml:"relations,omitempty"`
	Ignore    []string       `yaml:"ignore,omitempty"`

	fields    map[string]*FieldSpec
	relations map[string]*RelationSpec
	ignore    map[string]bool
}

// Field returns the spec for name. Untyped fields render as text labelled
// with their name.
func (s *Schema) Field(name string) *FieldSpec {
	if f, ok := s.fields[name]; ok {
		return f
	}
	return &FieldSpec{Name: name, Label: name, Kind: KindText}
}

// Relation returns the spec for a relationship name
func (s *Schema) Relation(name string) (*RelationSpec, bool) {
	r, ok := s.relations[name]
	return r, ok
}

// Ignored reports whether changes to field are never recorded
func (s *Schema) Ignored(field string) bool {
	return s.ignore[field]
}

func (s *Schema) index(globalIgnore []string) error {
	if s.Type == "" {
		return fmt.Errorf("entity schema is missing a type")
	}
	if s.Label == "" {
		s.Label = s.Type
	}

	s.fields = make(map[string]*FieldSpec, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("%s: field is missing a name", s.Type)
		}
		if f.Kind == "" {
			f.Kind = KindText
		}
		if f.Label == "" {
			f.Label = f.Name
		}
		switch f.Kind {
		case KindText, KindChoice, KindTime, KindDate, KindDecimal, KindNumber, KindBool:
		case KindReference:
			if f.RefType == "" {
				return fmt.Errorf("%s.%s: reference field needs ref_type", s.Type, f.Name)
			}
		default:
			return fmt.Errorf("%s.%s: unknown field kind %q", s.Type, f.Name, f.Kind)
		}
		s.fields[f.Name] = f
	}

	s.relations = make(map[string]*RelationSpec, len(s.Relations))
	for i := range s.Relations {
		r := &s.Relations[i]
		if r.Name == "" || r.RefType == "" {
			return fmt.Errorf("%s: relation needs name and ref_type", s.Type)
		}
		if r.Label == "" {
			r.Label = r.Name
		}
		s.relations[r.Name] = r
	}

	s.ignore = make(map[string]bool, len(globalIgnore)+len(s.Ignore))
	for _, name := range globalIgnore {
		s.ignore[name] = true
	}
	for _, name := range s.Ignore {
		s.ignore[name] = true
	}
	return nil
}

// DefaultIgnoredFields are never diffed on any entity
var DefaultIgnoredFields = []string{
	"id", "created_at", "updated_at", "last_login", "password",
	"overdue_notified_at", "amber_notified_at", "red_notified_at",
}

// Registry holds the tracked entity types
type Registry struct {
	IgnoredFields []string  `yaml:"ignored_fields"`
	Entities      []*Schema `yaml:"entities"`

	byType map[string]*Schema
}

// NewRegistry indexes schemas, applying ignored to every one of them
func NewRegistry(ignored []string, schemas ...*Schema) (*Registry, error) {
	r := &Registry{IgnoredFields: ignored, Entities: schemas}
	if err := r.build(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) build() error {
	r.byType = make(map[string]*Schema, len(r.Entities))
	for _, s := range r.Entities {
		if err := s.index(r.IgnoredFields); err != nil {
			return err
		}
		if _, dup := r.byType[s.Type]; dup {
			return fmt.Errorf("entity type %s registered twice", s.Type)
		}
		r.byType[s.Type] = s
	}
	return nil
}

// Get returns the schema for a tracked type
func (r *Registry) Get(entityType string) (*Schema, error) {
	s, ok := r.byType[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUntrackedEntity, entityType)
	}
	return s, nil
}

// Types lists the tracked types
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParseRegistry reads a registry from YAML. A missing ignored_fields list
// takes DefaultIgnoredFields.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse entity registry: %w", err)
	}
	if r.IgnoredFields == nil {
		r.IgnoredFields = DefaultIgnoredFields
	}
	if err := r.build(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRegistry reads a registry from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

// Task status and priority labels
var (
	TaskStatusChoices = []Choice{
		{"todo", "To Do"},
		{"in_progress", "In Progress"},
		{"blocked", "Blocked"},
		{"in_review", "In Review"},
		{"done", "Done"},
		{"closed", "Closed"},
		{"new", "New"},
		{"confirmed", "Confirmed"},
		{"fixing", "Fixing"},
		{"verifying", "Verifying"},
	}
	TaskPriorityChoices = []Choice{
		{"high", "High"},
		{"medium", "Medium"},
		{"low", "Low"},
	}
	TaskCategoryChoices = []Choice{
		{"TASK", "Task"},
		{"BUG", "Bug"},
	}
)

// DefaultRegistry tracks projects and tasks
func DefaultRegistry() *Registry {
	r, err := BuiltinRegistry(DefaultIgnoredFields)
	if err != nil {
		panic(err)
	}
	return r
}

// BuiltinRegistry tracks projects and tasks, never diffing the ignored fields
func BuiltinRegistry(ignored []string) (*Registry, error) {
	return NewRegistry(ignored,
		&Schema{
			Type:  "Project",
			Label: "Project",
			Fields: []FieldSpec{
				{Name: "name", Label: "Project Name"},
				{Name: "code", Label: "Project Code"},
				{Name: "description", Label: "Description"},
				{Name: "start_date", Label: "Start Date", Kind: KindDate},
				{Name: "end_date", Label: "End Date", Kind: KindDate},
				{Name: "owner", Label: "Owner", Kind: KindReference, RefType: "User"},
				{Name: "is_active", Label: "Active", Kind: KindBool},
				{Name: "sla_hours", Label: "SLA Hours", Kind: KindNumber},
				{Name: "current_phase", Label: "Current Phase", Kind: KindReference, RefType: "Phase"},
				{Name: "overall_progress", Label: "Overall Progress (%)", Kind: KindDecimal, Places: 2},
			},
			Relations: []RelationSpec{
				{Name: "members", Label: "Members", RefType: "User"},
				{Name: "managers", Label: "Managers", RefType: "User"},
			},
		},
		&Schema{
			Type:  "Task",
			Label: "Task",
			Fields: []FieldSpec{
				{Name: "title", Label: "Title"},
				{Name: "url", Label: "Link"},
				{Name: "content", Label: "Content"},
				{Name: "user", Label: "Owner", Kind: KindReference, RefType: "User"},
				{Name: "project", Label: "Project", Kind: KindReference, RefType: "Project"},
				{Name: "category", Label: "Category", Kind: KindChoice, Choices: TaskCategoryChoices},
				{Name: "status", Label: "Status", Kind: KindChoice, Choices: TaskStatusChoices},
				{Name: "priority", Label: "Priority", Kind: KindChoice, Choices: TaskPriorityChoices},
				{Name: "due_at", Label: "Due At", Kind: KindTime},
				{Name: "completed_at", Label: "Completed At", Kind: KindTime},
			},
			Relations: []RelationSpec{
				{Name: "collaborators", Label: "Collaborators", RefType: "User"},
			},
		},
	)
}
