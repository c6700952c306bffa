package audit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
	"github.com/platinummonkey/taskward/pkg/rbac"
)

// CapturePermission guards event ingestion from application services
const CapturePermission = "audit.capture"

// Event kinds accepted by POST /audit/events
const (
	EventSave             = "save"
	EventDelete           = "delete"
	EventRelation         = "relation"
	EventMemberRelation   = "member_relation"
	EventAttachmentUpload = "attachment_upload"
	EventAttachmentUpdate = "attachment_update"
	EventAttachmentDelete = "attachment_delete"
	EventComment          = "comment"
)

// EntityRef is the wire form of Entity
type EntityRef struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	ProjectID *int64   `json:"project_id,omitempty"`
	TaskID    *int64   `json:"task_id,omitempty"`
	State     Snapshot `json:"state,omitempty"`
}

func (e EntityRef) entity() Entity {
	return Entity{Type: e.Type, ID: e.ID, Label: e.Label, ProjectID: e.ProjectID, TaskID: e.TaskID, State: e.State}
}

// AttachmentRef is the wire form of Attachment
type AttachmentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	FileRef  string `json:"file_ref"`
	Size     int64  `json:"size"`
}

func (a AttachmentRef) attachment() Attachment {
	return Attachment{ID: a.ID, Filename: a.Filename, FileRef: a.FileRef, Size: a.Size}
}

// Event is a mutation reported by the service that owns the entity. The
// acting user is ActorID when set, else the authenticated caller.
type Event struct {
	Kind   string    `json:"kind"`
	Entity EntityRef `json:"entity"`

	ActorID *int64 `json:"actor_id,omitempty"`
	ActorIP string `json:"actor_ip,omitempty"`

	// save: Before is the persisted state prior to the write, absent for creates
	Before  Snapshot `json:"before,omitempty"`
	Created bool     `json:"created,omitempty"`

	// relation and member_relation
	Relation  string         `json:"relation,omitempty"`
	Action    RelationAction `json:"action,omitempty"`
	MemberIDs []string       `json:"member_ids,omitempty"`
	Owners    []EntityRef    `json:"owners,omitempty"`

	// attachment events
	Attachment       *AttachmentRef `json:"attachment,omitempty"`
	AttachmentBefore *AttachmentRef `json:"attachment_before,omitempty"`

	CommentID string `json:"comment_id,omitempty"`
}

// CaptureResponse lists the records an event produced. It is empty when
// the event changed nothing tracked or was a duplicate.
type CaptureResponse struct {
	Records []*Record `json:"records"`
}

var errBadEvent = errors.New("invalid audit event")

// CaptureHandlers exposes the hook over HTTP
type CaptureHandlers struct {
	hook     *Hook
	users    UserLookup
	resolver *rbac.Resolver
	logger   *observability.Logger
}

// NewCaptureHandlers creates capture handlers. users resolves the actor_id
// of events reported on behalf of another user.
func NewCaptureHandlers(hook *Hook, users UserLookup, resolver *rbac.Resolver, logger *observability.Logger) *CaptureHandlers {
	return &CaptureHandlers{
		hook:     hook,
		users:    users,
		resolver: resolver,
		logger:   observability.OrDefault(logger),
	}
}

// RegisterRoutes registers the capture route
func (h *CaptureHandlers) RegisterRoutes(router *mux.Router) {
	capture := rbac.NewPermissionMiddleware(h.resolver, h.logger).RequirePermission(CapturePermission, rbac.Global)
	router.Handle("/audit/events", capture(http.HandlerFunc(h.PostEvent))).Methods("POST")
}

// PostEvent handles POST /audit/events
func (h *CaptureHandlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}

	records, err := h.Apply(r, ev)
	switch {
	case err == nil:
	case errors.Is(err, errBadEvent):
		httputil.WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, ErrUntrackedEntity):
		httputil.WriteNotFound(w, err.Error())
		return
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("failed to capture audit event")
		httputil.WriteInternalError(w)
		return
	}

	status := http.StatusCreated
	if len(records) == 0 {
		status = http.StatusOK
		records = []*Record{}
	}
	httputil.WriteJSON(w, status, CaptureResponse{Records: records})
}

// Apply routes ev to the matching hook call on behalf of the request's user
func (h *CaptureHandlers) Apply(r *http.Request, ev Event) ([]*Record, error) {
	ctx := r.Context()
	exec := ExecFromRequest(r)
	if ev.ActorID != nil {
		actor, err := h.users.GetUser(ctx, *ev.ActorID)
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown actor %d", errBadEvent, *ev.ActorID)
		}
		if err != nil {
			return nil, err
		}
		exec = exec.WithActor(actor)
	}
	if ev.ActorIP != "" {
		exec.IP = ev.ActorIP
	}
	owner := ev.Entity.entity()

	if ev.Kind != EventMemberRelation && (owner.Type == "" || owner.ID == "") {
		return nil, fmt.Errorf("%w: entity type and id are required", errBadEvent)
	}

	var (
		rec *Record
		err error
	)
	switch ev.Kind {
	case EventSave:
		if !ev.Created && ev.Before == nil {
			return nil, fmt.Errorf("%w: updates need the prior state in before", errBadEvent)
		}
		before := ev.Before
		if before == nil {
			before = Snapshot{}
		}
		rec, err = h.hook.After(ctx, exec, &Mutation{Type: owner.Type, Before: before, Created: ev.Created, Entity: owner})
	case EventDelete:
		rec, err = h.hook.Deleted(ctx, exec, owner)
	case EventRelation:
		if !validRelationAction(ev.Action) {
			return nil, fmt.Errorf("%w: unknown relation action %q", errBadEvent, ev.Action)
		}
		rec, err = h.hook.RelationChanged(ctx, exec, RelationChange{
			Owner:     owner,
			Relation:  ev.Relation,
			Action:    ev.Action,
			MemberIDs: ev.MemberIDs,
		})
	case EventMemberRelation:
		if !validRelationAction(ev.Action) || len(ev.MemberIDs) != 1 {
			return nil, fmt.Errorf("%w: member relation changes name one member and a valid action", errBadEvent)
		}
		owners := make([]Entity, 0, len(ev.Owners))
		for _, o := range ev.Owners {
			owners = append(owners, o.entity())
		}
		return h.hook.MemberRelationChanged(ctx, exec, ev.MemberIDs[0], ev.Relation, ev.Action, owners)
	case EventAttachmentUpload, EventAttachmentDelete:
		if ev.Attachment == nil {
			return nil, fmt.Errorf("%w: attachment is required", errBadEvent)
		}
		if ev.Kind == EventAttachmentUpload {
			rec, err = h.hook.AttachmentUploaded(ctx, exec, owner, ev.Attachment.attachment())
		} else {
			rec, err = h.hook.AttachmentDeleted(ctx, exec, owner, ev.Attachment.attachment())
		}
	case EventAttachmentUpdate:
		if ev.Attachment == nil || ev.AttachmentBefore == nil {
			return nil, fmt.Errorf("%w: attachment and attachment_before are required", errBadEvent)
		}
		rec, err = h.hook.AttachmentUpdated(ctx, exec, owner, ev.AttachmentBefore.attachment(), ev.Attachment.attachment())
	case EventComment:
		if ev.CommentID == "" {
			return nil, fmt.Errorf("%w: comment_id is required", errBadEvent)
		}
		rec, err = h.hook.CommentAdded(ctx, exec, owner, ev.CommentID)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errBadEvent, ev.Kind)
	}
	if err != nil || rec == nil {
		return nil, err
	}
	return []*Record{rec}, nil
}

func validRelationAction(a RelationAction) bool {
	switch a {
	case RelationAdded, RelationRemoved, RelationCleared:
		return true
	}
	return false
}
