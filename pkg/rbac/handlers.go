package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// ManagePermission guards the role administration endpoints
const ManagePermission = "rbac.manage"

// UserLookup loads the users whose permissions are inspected
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*auth.User, error)
}

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	resolver *Resolver
	users    UserLookup
	perms    *PermissionMiddleware
	logger   *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(resolver *Resolver, users UserLookup, logger *observability.Logger) *Handlers {
	logger = observability.OrDefault(logger)
	return &Handlers{
		resolver: resolver,
		users:    users,
		perms:    NewPermissionMiddleware(resolver, logger),
		logger:   logger,
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	manage := h.perms.RequirePermission(ManagePermission, Global)
	admin := func(path string, fn http.HandlerFunc, method string) {
		router.Handle(path, manage(fn)).Methods(method)
	}

	// Roles and permissions
	admin("/rbac/roles", h.CreateRole, "POST")
	admin("/rbac/roles", h.ListRoles, "GET")
	admin("/rbac/roles/{code}/parent", h.SetRoleParent, "PUT")
	admin("/rbac/roles/{code}/permissions", h.GrantPermission, "POST")
	admin("/rbac/roles/{code}/permissions/{permission}", h.RevokePermission, "DELETE")
	admin("/rbac/permissions", h.CreatePermission, "POST")

	// User role assignments
	admin("/rbac/users/{id}/roles", h.AssignRole, "POST")
	admin("/rbac/users/{id}/roles", h.ListAssignments, "GET")
	admin("/rbac/users/{id}/roles/{role}", h.RemoveRole, "DELETE")

	// Resolution, open to the user themselves
	router.HandleFunc("/rbac/users/{id}/permissions", h.GetUserPermissions).Methods("GET")
	router.HandleFunc("/rbac/users/{id}/scopes", h.GetUserScopes).Methods("GET")
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrPermissionNotFound), errors.Is(err, auth.ErrUserNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrRoleCycle):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("rbac request failed")
		httputil.WriteInternalError(w)
	}
}

// CreateRole creates a role, or returns the existing one with the same code
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Parent      string `json:"parent,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.WriteBadRequest(w, "code is required")
		return
	}

	role, err := h.resolver.CreateRole(r.Context(), req.Code, req.Name, req.Description, req.Parent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusCreated, role)
}

// ListRoles lists all roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.resolver.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*Role{}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, roles)
}

// SetRoleParent changes or clears a role's parent
func (h *Handlers) SetRoleParent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parent string `json:"parent"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.resolver.SetRoleParent(r.Context(), mux.Vars(r)["code"], req.Parent); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreatePermission creates a permission, or returns the existing one
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		Name  string `json:"name"`
		Group string `json:"group"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.WriteBadRequest(w, "code is required")
		return
	}

	perm, err := h.resolver.CreatePermission(r.Context(), req.Code, req.Name, req.Group)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusCreated, perm)
}

// GrantPermission attaches a permission to the role in the path
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission string `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Permission == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	changed, err := h.resolver.GrantPermission(r.Context(), mux.Vars(r)["code"], req.Permission)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// RevokePermission detaches a permission from the role in the path
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := h.resolver.RevokePermission(r.Context(), vars["code"], vars["permission"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// AssignRole assigns a role to a user, globally when scope is empty
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}
	var req struct {
		Role  string `json:"role"`
		Scope string `json:"scope"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Role == "" {
		httputil.WriteBadRequest(w, "role is required")
		return
	}

	created, err := h.resolver.AssignRole(r.Context(), userID, req.Role, Scope(req.Scope))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	_ = httputil.WriteJSON(w, status, map[string]bool{"created": created})
}

// RemoveRole removes a role assignment; ?scope= selects a scoped one
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}
	scope := Scope(r.URL.Query().Get("scope"))
	if _, err := h.resolver.RemoveRole(r.Context(), userID, mux.Vars(r)["role"], scope); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListAssignments lists a user's role assignments
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}
	assignments, err := h.resolver.ListAssignments(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []*Assignment{}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, assignments)
}

// target loads the user named in the path, allowing the user themselves or a manager
func (h *Handlers) target(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return nil, false
	}

	caller := auth.UserFromContext(r.Context())
	if !caller.IsAuthenticated() {
		httputil.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	if caller.ID != userID {
		ok, err := h.resolver.HasPermission(r.Context(), caller, ManagePermission, GlobalScope)
		if err != nil {
			h.writeError(w, r, err)
			return nil, false
		}
		if !ok {
			httputil.WriteForbidden(w, "Insufficient permissions")
			return nil, false
		}
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return user, true
}

// GetUserPermissions returns the resolved permission codes for ?scope=
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.target(w, r)
	if !ok {
		return
	}
	scope := Scope(r.URL.Query().Get("scope"))
	perms, err := h.resolver.ResolvePermissions(r.Context(), user, scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     user.ID,
		"scope":       scope,
		"permissions": perms.Codes(),
	})
}

// GetUserScopes returns the scopes where the user holds ?permission=
func (h *Handlers) GetUserScopes(w http.ResponseWriter, r *http.Request) {
	user, ok := h.target(w, r)
	if !ok {
		return
	}
	code := r.URL.Query().Get("permission")
	if code == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}
	scopes, err := h.resolver.ScopesWithPermission(r.Context(), user, code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if scopes == nil {
		scopes = []Scope{}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.ID,
		"permission": code,
		"scopes":     scopes,
	})
}
