package audit

import (
	"net/http"
	"time"

	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/contextkeys"
	"github.com/platinummonkey/taskward/pkg/observability"
)

// Exec is the explicit execution context of an audited operation: who is
// acting, from where, and under which request. Every hook takes one.
type Exec struct {
	Actor     *auth.User
	IP        string
	RequestID string
	TraceID   string
	UserAgent string
	Path      string
	Method    string
	Started   time.Time

	// Now stamps records; defaults to time.Now
	Now func() time.Time
}

// ExecFromRequest builds an Exec from a request that passed through
// auth.Middleware.Authenticate.
func ExecFromRequest(r *http.Request) Exec {
	ctx := r.Context()
	return Exec{
		Actor:     auth.UserFromContext(ctx),
		IP:        contextkeys.GetClientIP(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
		TraceID:   observability.TraceID(ctx),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Started:   contextkeys.GetRequestStartTime(ctx),
	}
}

// SystemExec is the context for work with no acting user, such as jobs
func SystemExec() Exec {
	return Exec{}
}

// WithActor returns a copy of e acting as user
func (e Exec) WithActor(user *auth.User) Exec {
	e.Actor = user
	return e
}

func (e Exec) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// actor returns the acting user or nil for anonymous and system work
func (e Exec) actor() *auth.User {
	if e.Actor.IsAuthenticated() {
		return e.Actor
	}
	return nil
}

// ActorName is the operator name snapshot stored with records
func (e Exec) ActorName() string {
	if u := e.actor(); u != nil {
		return u.DisplayName()
	}
	return SystemActor
}

func (e Exec) actorID() *int64 {
	if u := e.actor(); u != nil {
		id := u.ID
		return &id
	}
	return nil
}
