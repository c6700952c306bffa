package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRecordNotFound    = errors.New("audit record not found")
	ErrUntrackedEntity   = errors.New("entity type is not tracked")
	ErrReferenceNotFound = errors.New("referenced entity not found")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrNoResolver        = errors.New("no resolver for reference type")
)

// Action is what happened to the target
type Action string

const (
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAccess Action = "access"
	ActionExport Action = "export"
	ActionUpload Action = "upload"
	ActionOther  Action = "other"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionLogin, ActionLogout, ActionCreate, ActionUpdate, ActionDelete,
		ActionAccess, ActionExport, ActionUpload, ActionOther:
		return true
	}
	return false
}

// Result is the outcome of the audited operation
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// AccessLogTarget marks request-level access entries, which never appear in
// entity history.
const AccessLogTarget = "AccessLog"

// SystemActor is the operator name recorded when no user is acting
const SystemActor = "System"

// RelationAction describes a multi-valued relationship change
type RelationAction string

const (
	RelationAdded   RelationAction = "Added"
	RelationRemoved RelationAction = "Removed"
	RelationCleared RelationAction = "Cleared"
)

// Record is one immutable audit entry
type Record struct {
	ID          int64     `json:"id"`
	ActorID     *int64    `json:"actor_id,omitempty"`
	ActorName   string    `json:"operator_name"`
	Action      Action    `json:"action"`
	Result      Result    `json:"result"`
	IP          string    `json:"ip,omitempty"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	TargetLabel string    `json:"target_label"`
	Summary     string    `json:"summary"`
	Details     Details   `json:"details"`
	ContentHash string    `json:"-"`
	ProjectID   *int64    `json:"project_id,omitempty"`
	TaskID      *int64    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Details is the structured payload of a record. Field changes go in Diff;
// attachment and access records use the remaining members.
type Details struct {
	Diff              Diff                              `json:"diff,omitempty"`
	Filename          string                            `json:"filename,omitempty"`
	Size              *int64                            `json:"size,omitempty"`
	Type              string                            `json:"type,omitempty"`
	AttachmentActions []string                          `json:"attachment_actions,omitempty"`
	Changes           map[string]map[string]interface{} `json:"changes,omitempty"`
	Context           *AccessContext                    `json:"context,omitempty"`
	Data              map[string]interface{}            `json:"data,omitempty"`
}

// HasAttachmentActions reports whether the record describes an attachment rename or replace
func (d Details) HasAttachmentActions() bool {
	return len(d.AttachmentActions) > 0
}

// AccessContext describes the request behind an access entry
type AccessContext struct {
	Path      string `json:"path"`
	Method    string `json:"method"`
	UserAgent string `json:"ua"`
	ElapsedMS *int64 `json:"elapsed_ms"`
}

// Diff maps field keys to their change
type Diff map[string]Change

// Change is one field's entry in a Diff. Scalar changes carry Old and New;
// relationship changes carry Action and Values.
type Change struct {
	VerboseName string
	Old         interface{}
	New         interface{}
	Action      RelationAction
	Values      []string
}

// IsRelation reports whether c describes a relationship change
func (c Change) IsRelation() bool {
	return c.Action != ""
}

type scalarChange struct {
	VerboseName string      `json:"verbose_name"`
	Old         interface{} `json:"old"`
	New         interface{} `json:"new"`
}

type relationChange struct {
	VerboseName string         `json:"verbose_name"`
	Action      RelationAction `json:"action"`
	Values      []string       `json:"values"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	if c.IsRelation() {
		values := c.Values
		if values == nil {
			values = []string{}
		}
		return json.Marshal(relationChange{VerboseName: c.VerboseName, Action: c.Action, Values: values})
	}
	return json.Marshal(scalarChange{VerboseName: c.VerboseName, Old: c.Old, New: c.New})
}

func (c *Change) UnmarshalJSON(data []byte) error {
	// entries written by older versions may be bare values
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*c = Change{Old: v}
		return nil
	}

	var raw struct {
		VerboseName string         `json:"verbose_name"`
		Old         interface{}    `json:"old"`
		New         interface{}    `json:"new"`
		Action      RelationAction `json:"action"`
		Values      []string       `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Change{VerboseName: raw.VerboseName, Old: raw.Old, New: raw.New, Action: raw.Action, Values: raw.Values}
	return nil
}

// Snapshot is an entity's persisted field values keyed by field name
type Snapshot map[string]interface{}

// Entity identifies a tracked entity and carries its current state
type Entity struct {
	Type      string
	ID        string
	Label     string
	ProjectID *int64
	TaskID    *int64
	State     Snapshot
}

// Attachment is the part of a file attachment the audit trail cares about
type Attachment struct {
	ID       string
	Filename string
	FileRef  string
	Size     int64
}

// Name returns the display filename, falling back to the stored reference
func (a Attachment) Name() string {
	if a.Filename != "" {
		return a.Filename
	}
	if a.FileRef != "" {
		return a.FileRef
	}
	return "unknown"
}

// RelationChange describes members added to, removed from or cleared from
// a multi-valued relationship of Owner.
type RelationChange struct {
	Owner     Entity
	Relation  string
	Action    RelationAction
	MemberIDs []string
}
