package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
	"github.com/platinummonkey/taskward/pkg/rbac"
)

// Permissions guarding the audit endpoints
const (
	ViewPermission   = "audit.view"
	ManagePermission = "audit.manage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handlers provides HTTP handlers for audit history
type Handlers struct {
	store     Store
	registry  *Registry
	resolver  *rbac.Resolver
	janitor   *Janitor
	formatter Formatter
	logger    *observability.Logger
}

// NewHandlers creates audit handlers. janitor may be nil, which disables
// the cleanup endpoint.
func NewHandlers(store Store, registry *Registry, resolver *rbac.Resolver, janitor *Janitor, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:    store,
		registry: registry,
		resolver: resolver,
		janitor:  janitor,
		logger:   observability.OrDefault(logger),
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/{type}/{id}/history", h.GetHistory).Methods("GET")
	if h.janitor != nil {
		manage := rbac.NewPermissionMiddleware(h.resolver, h.logger).RequirePermission(ManagePermission, rbac.Global)
		router.Handle("/audit/cleanup", manage(http.HandlerFunc(h.RunCleanup))).Methods("POST")
	}
}

// HistoryResponse is the body of a history request
type HistoryResponse struct {
	TargetType string   `json:"target_type"`
	TargetID   string   `json:"target_id"`
	Entries    []*Entry `json:"entries"`
	Count      int      `json:"count"`
}

// GetHistory handles GET /audit/{type}/{id}/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	targetType, targetID := vars["type"], vars["id"]
	if _, err := h.registry.Get(targetType); err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	scope, err := h.targetScope(r.Context(), targetType, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.authorize(w, r, scope) {
		return
	}

	records, err := h.store.History(r.Context(), targetType, targetID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries := h.formatter.FormatAll(records, filter.Field)
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{
		TargetType: targetType,
		TargetID:   targetID,
		Entries:    entries,
		Count:      len(entries),
	})
}

// RunCleanup handles POST /audit/cleanup
func (h *Handlers) RunCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.janitor.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func parseHistoryFilter(r *http.Request) (HistoryFilter, error) {
	var (
		f   HistoryFilter
		err error
	)
	if f.ActorID, err = httputil.ParseQueryInt64(r, "actor_id"); err != nil {
		return f, err
	}
	if f.StartDate, err = httputil.ParseQueryDate(r, "start_date"); err != nil {
		return f, err
	}
	if f.EndDate, err = httputil.ParseQueryDate(r, "end_date"); err != nil {
		return f, err
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", defaultHistoryLimit); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultHistoryLimit
	case f.Limit > maxHistoryLimit:
		f.Limit = maxHistoryLimit
	}

	q := r.URL.Query()
	f.Category = q.Get("action_type")
	switch f.Category {
	case "", CategoryFieldChange, CategoryAttachment, CategoryComment:
	default:
		return f, errors.New("action_type must be one of field_change, attachment, comment")
	}
	f.Field = q.Get("field_name")
	return f, nil
}

// targetScope is the project scope the target belongs to, or the global
// scope when it belongs to none
func (h *Handlers) targetScope(ctx context.Context, targetType, targetID string) (rbac.Scope, error) {
	if targetType == "Project" {
		if id, err := strconv.ParseInt(targetID, 10, 64); err == nil {
			return rbac.ProjectScope(id), nil
		}
	}
	project, err := h.store.TargetProject(ctx, targetType, targetID)
	if err != nil {
		return rbac.GlobalScope, err
	}
	if project == nil {
		return rbac.GlobalScope, nil
	}
	return rbac.ProjectScope(*project), nil
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, scope rbac.Scope) bool {
	err := h.resolver.Require(r.Context(), auth.UserFromContext(r.Context()), ViewPermission, scope)
	switch {
	case err == nil:
		return true
	case errors.Is(err, rbac.ErrUnauthenticated):
		httputil.WriteUnauthorized(w, "Authentication required")
	case errors.Is(err, rbac.ErrPermissionDenied):
		httputil.WriteForbidden(w, "Insufficient permissions")
	default:
		h.writeError(w, r, err)
	}
	return false
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("audit request failed")
	httputil.WriteInternalError(w)
}
