package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/taskward/pkg/contextkeys"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// AccessLogger writes access entries
type AccessLogger interface {
	LogAccess(ctx context.Context, exec Exec, action Action, summary string, data map[string]interface{}) (*Record, error)
}

// Middleware writes access entries for mutating, failing and sensitive
// requests. It must run inside auth.Middleware.Authenticate.
type Middleware struct {
	access         AccessLogger
	logAllRequests bool
	sensitive      []string
	logger         *observability.Logger
}

// DefaultSensitivePrefixes are always logged, even for reads
var DefaultSensitivePrefixes = []string{"/auth", "/admin", "/audit", "/rbac"}

// NewMiddleware creates an access-log middleware. When logAllRequests is
// false only mutations, errors and sensitive paths are logged.
func NewMiddleware(access AccessLogger, logAllRequests bool, logger *observability.Logger) *Middleware {
	return &Middleware{
		access:         access,
		logAllRequests: logAllRequests,
		sensitive:      DefaultSensitivePrefixes,
		logger:         observability.OrDefault(logger),
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps next with access logging
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if contextkeys.GetRequestStartTime(ctx).IsZero() {
			ctx = contextkeys.WithRequestStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if !m.logAllRequests && !m.shouldLogRequest(r, wrapped.statusCode) {
			return
		}

		exec := ExecFromRequest(r)
		summary := r.Method + " " + r.URL.Path
		data := map[string]interface{}{"status": wrapped.statusCode}
		if q := r.URL.RawQuery; q != "" {
			data["query"] = q
		}
		// the request context may already be cancelled
		if _, err := m.access.LogAccess(context.WithoutCancel(ctx), exec, methodAction(r.Method), summary, data); err != nil {
			observability.FromContext(ctx, m.logger).WithError(err).Warn("failed to write access log")
		}
	})
}

// shouldLogRequest logs mutations, errors and denials, and sensitive paths
func (m *Middleware) shouldLogRequest(r *http.Request, statusCode int) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	if statusCode >= 400 {
		return true
	}
	return m.isSensitiveEndpoint(r.URL.Path)
}

func (m *Middleware) isSensitiveEndpoint(path string) bool {
	for _, prefix := range m.sensitive {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func methodAction(method string) Action {
	switch method {
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	case http.MethodGet, http.MethodHead:
		return ActionAccess
	}
	return ActionOther
}
