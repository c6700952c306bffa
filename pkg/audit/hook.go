package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/taskward/pkg/observability"
)

// SnapshotLoader reads the persisted state of an entity. It returns
// ErrEntityNotFound when nothing is persisted yet.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, entityType, id string) (Snapshot, error)
}

// SnapshotLoaderFunc adapts a function to SnapshotLoader
type SnapshotLoaderFunc func(ctx context.Context, entityType, id string) (Snapshot, error)

func (f SnapshotLoaderFunc) LoadSnapshot(ctx context.Context, entityType, id string) (Snapshot, error) {
	return f(ctx, entityType, id)
}

// Mutation carries the pre-mutation state of one entity write. Callers set
// Entity to the persisted result before passing it to After.
type Mutation struct {
	Type    string
	Before  Snapshot
	Created bool
	Entity  Entity
}

// Hook captures entity mutations into audit records. Callers invoke Before
// ahead of persisting a tracked entity and After once it is persisted.
// Capture failures are logged and never fail the mutation itself.
type Hook struct {
	registry *Registry
	loader   SnapshotLoader
	diff     *DiffEngine
	refs     ReferenceResolver
	recorder *Recorder
	logger   *observability.Logger
}

// NewHook wires a hook. refs renders relationship members and may be nil.
// A nil loader suits callers that always pass the prior state to After.
func NewHook(registry *Registry, loader SnapshotLoader, refs ReferenceResolver, recorder *Recorder, logger *observability.Logger) *Hook {
	logger = observability.OrDefault(logger).WithField("component", "audit.hook")
	return &Hook{
		registry: registry,
		loader:   loader,
		diff:     NewDiffEngine(refs, logger),
		refs:     refs,
		recorder: recorder,
		logger:   logger,
	}
}

// Before snapshots the persisted state of entityType/id. An empty id or a
// missing row marks the mutation as a create.
func (h *Hook) Before(ctx context.Context, exec Exec, entityType, id string) (*Mutation, error) {
	if _, err := h.registry.Get(entityType); err != nil {
		return nil, err
	}

	m := &Mutation{Type: entityType, Before: Snapshot{}}
	if id == "" {
		m.Created = true
		return m, nil
	}

	if h.loader == nil {
		return nil, errors.New("audit hook has no snapshot loader")
	}
	snap, err := h.loader.LoadSnapshot(ctx, entityType, id)
	switch {
	case errors.Is(err, ErrEntityNotFound):
		m.Created = true
	case err != nil:
		return nil, fmt.Errorf("failed to snapshot %s %s: %w", entityType, id, err)
	default:
		m.Before = snap
	}
	return m, nil
}

// After records the mutation: a create record for new entities, an update
// record with the field diff otherwise. Updates that change no tracked field
// write nothing.
func (h *Hook) After(ctx context.Context, exec Exec, m *Mutation) (*Record, error) {
	schema, err := h.registry.Get(m.Type)
	if err != nil {
		return nil, err
	}
	ent := m.Entity
	ent.Type = m.Type

	if m.Created {
		return h.write(ctx, exec, ent, ActionCreate, "Created "+schema.Label, Details{})
	}

	diff, err := h.diff.Compute(ctx, exec, schema, m.Before, ent.State)
	if err != nil {
		return nil, err
	}
	if len(diff) == 0 {
		return nil, nil
	}
	return h.write(ctx, exec, ent, ActionUpdate, "Updated "+schema.Label, Details{Diff: diff})
}

// Deleted records the removal of a tracked entity
func (h *Hook) Deleted(ctx context.Context, exec Exec, ent Entity) (*Record, error) {
	schema, err := h.registry.Get(ent.Type)
	if err != nil {
		return nil, err
	}
	return h.write(ctx, exec, ent, ActionDelete, "Deleted "+schema.Label, Details{})
}

// RelationChanged records members added to, removed from or cleared from a
// relationship of the owner entity
func (h *Hook) RelationChanged(ctx context.Context, exec Exec, change RelationChange) (*Record, error) {
	rel, err := h.relation(change.Owner.Type, change.Relation)
	if err != nil {
		return nil, err
	}

	values := make([]string, 0, len(change.MemberIDs))
	for _, id := range change.MemberIDs {
		values = append(values, renderReference(ctx, h.refs, h.logger, exec, rel.RefType, id))
	}
	diff := Diff{change.Relation: {VerboseName: rel.Label, Action: change.Action, Values: values}}
	return h.write(ctx, exec, change.Owner, ActionUpdate, "Updated "+change.Owner.Type, Details{Diff: diff})
}

// MemberRelationChanged records a change made from the member side of a
// relationship, such as adding one user to several projects. Each owner
// gets its own update record naming the member.
func (h *Hook) MemberRelationChanged(ctx context.Context, exec Exec, memberID, relation string, action RelationAction, owners []Entity) ([]*Record, error) {
	var (
		written []*Record
		errs    []error
	)
	for _, owner := range owners {
		rec, err := h.RelationChanged(ctx, exec, RelationChange{
			Owner:     owner,
			Relation:  relation,
			Action:    action,
			MemberIDs: []string{memberID},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec != nil {
			written = append(written, rec)
		}
	}
	return written, errors.Join(errs...)
}

// AttachmentUploaded records a new attachment on owner
func (h *Hook) AttachmentUploaded(ctx context.Context, exec Exec, owner Entity, att Attachment) (*Record, error) {
	size := att.Size
	details := Details{Filename: att.Name(), Size: &size}
	return h.write(ctx, exec, owner, ActionUpload, "Uploaded attachment", details)
}

// AttachmentUpdated records a rename or file replacement, comparing the
// attachment as it was before the write with its persisted state. Writes
// that change neither write nothing.
func (h *Hook) AttachmentUpdated(ctx context.Context, exec Exec, owner Entity, before, after Attachment) (*Record, error) {
	var actions []string
	changes := make(map[string]map[string]interface{})

	if before.Filename != "" && after.Filename != "" && before.Filename != after.Filename {
		actions = append(actions, "rename")
		changes["rename"] = map[string]interface{}{"old": before.Filename, "new": after.Filename}
	}
	if before.FileRef != "" && after.FileRef != "" && before.FileRef != after.FileRef {
		actions = append(actions, "update_file")
		changes["file_update"] = map[string]interface{}{"old_size": before.Size, "new_size": after.Size}
	}
	if len(actions) == 0 {
		return nil, nil
	}

	filename := after.Filename
	if filename == "" {
		filename = after.FileRef
	}
	details := Details{AttachmentActions: actions, Changes: changes, Filename: filename}
	return h.write(ctx, exec, owner, ActionUpdate, "Updated attachment", details)
}

// AttachmentDeleted records the removal of an attachment from owner
func (h *Hook) AttachmentDeleted(ctx context.Context, exec Exec, owner Entity, att Attachment) (*Record, error) {
	details := Details{Filename: att.Name(), Type: "attachment"}
	return h.write(ctx, exec, owner, ActionDelete, "Deleted attachment", details)
}

// CommentAdded records a comment posted on owner
func (h *Hook) CommentAdded(ctx context.Context, exec Exec, owner Entity, commentID string) (*Record, error) {
	details := Details{Data: map[string]interface{}{"comment_id": commentID}}
	return h.write(ctx, exec, owner, ActionOther, "Added comment", details)
}

func (h *Hook) relation(entityType, name string) (*RelationSpec, error) {
	schema, err := h.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	rel, ok := schema.Relation(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUntrackedEntity, entityType, name)
	}
	return rel, nil
}

func (h *Hook) write(ctx context.Context, exec Exec, ent Entity, action Action, summary string, details Details) (*Record, error) {
	rec := &Record{
		Action:      action,
		TargetType:  ent.Type,
		TargetID:    ent.ID,
		TargetLabel: ent.Label,
		Summary:     summary,
		Details:     details,
		ProjectID:   ent.ProjectID,
		TaskID:      ent.TaskID,
	}
	return h.recorder.Record(ctx, exec, rec)
}
