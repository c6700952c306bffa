package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/taskward/pkg/contextkeys"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// TokenValidator resolves a bearer token to a user
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*User, error)
}

// Middleware attaches request metadata and the request user to the context
type Middleware struct {
	tokens TokenValidator
	logger *observability.Logger
}

// NewMiddleware creates the authentication middleware
func NewMiddleware(tokens TokenValidator, logger *observability.Logger) *Middleware {
	return &Middleware{tokens: tokens, logger: observability.OrDefault(logger)}
}

// Authenticate resolves the bearer token, if any. Requests without an
// Authorization header continue as Anonymous; malformed or unknown tokens get a 401.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		ctx = contextkeys.WithClientIP(ctx, httputil.ClientIP(r))
		ctx = contextkeys.WithRequestStartTime(ctx, time.Now())

		user := Anonymous
		if header := r.Header.Get("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}
			u, err := m.tokens.ValidateToken(ctx, parts[1])
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) {
					observability.FromContext(ctx, m.logger).WithError(err).Error("token validation failed")
				}
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}
			user = u
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithUser(ctx, user)))
	})
}

// UserFromContext returns the request user, Anonymous when none was set
func UserFromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(contextkeys.UserKey).(*User); ok && u != nil {
		return u
	}
	return Anonymous
}
