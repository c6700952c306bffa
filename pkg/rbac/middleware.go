package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// ScopeFunc derives the scope a request acts in
type ScopeFunc func(r *http.Request) Scope

// Global is the ScopeFunc for endpoints that are not resource scoped
func Global(*http.Request) Scope { return GlobalScope }

// ScopeFromVar builds "<kind>:<value>" from a mux path variable, falling back
// to the global scope when the variable is absent.
func ScopeFromVar(kind, name string) ScopeFunc {
	return func(r *http.Request) Scope {
		v := mux.Vars(r)[name]
		if v == "" {
			return GlobalScope
		}
		return Scope(kind + ":" + v)
	}
}

// PermissionMiddleware gates handlers on resolved permissions
type PermissionMiddleware struct {
	resolver *Resolver
	logger   *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(resolver *Resolver, logger *observability.Logger) *PermissionMiddleware {
	return &PermissionMiddleware{resolver: resolver, logger: observability.OrDefault(logger)}
}

// RequirePermission rejects requests whose user lacks code in the request's scope
func (pm *PermissionMiddleware) RequirePermission(code string, scopeFn ScopeFunc) func(http.Handler) http.Handler {
	if scopeFn == nil {
		scopeFn = Global
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := pm.resolver.Require(r.Context(), auth.UserFromContext(r.Context()), code, scopeFn(r))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrUnauthenticated):
				httputil.WriteUnauthorized(w, "Authentication required")
			case errors.Is(err, ErrPermissionDenied):
				httputil.WriteForbidden(w, "Insufficient permissions")
			default:
				observability.FromContext(r.Context(), pm.logger).WithError(err).Error("permission check failed")
				httputil.WriteInternalError(w)
			}
		})
	}
}
