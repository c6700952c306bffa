package rbac

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrRoleCycle          = errors.New("role parent would create a cycle")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Wildcard is the permission code that satisfies every check
const Wildcard = "*"

// Scope identifies the resource context of an assignment, by convention
// "<resource-type>:<resource-id>". The empty scope is global.
type Scope string

// GlobalScope applies everywhere
const GlobalScope Scope = ""

// ProjectScope builds the conventional scope for a project id
func ProjectScope(id int64) Scope {
	return ResourceScope("project", id)
}

// ResourceScope builds "<kind>:<id>"
func ResourceScope(kind string, id int64) Scope {
	return Scope(kind + ":" + itoa(id))
}

func (s Scope) IsGlobal() bool { return s == GlobalScope }

// Resource splits a conventional scope into kind and id
func (s Scope) Resource() (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(string(s), ":")
	return kind, id, ok && kind != "" && id != ""
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s)
}

// Role is a named bundle of permissions with an optional parent to inherit from
type Role struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    *int64    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is one grantable capability
type Permission struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Assignment ties a user to a role within a scope
type Assignment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	RoleID    int64     `json:"role_id"`
	RoleCode  string    `json:"role_code"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionSet is a resolved set of permission codes
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from codes
func NewPermissionSet(codes ...string) PermissionSet {
	set := make(PermissionSet, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether code is granted; the wildcard grants everything
func (p PermissionSet) Has(code string) bool {
	if _, ok := p[Wildcard]; ok {
		return true
	}
	_, ok := p[code]
	return ok
}

// Codes returns the codes in sorted order
func (p PermissionSet) Codes() []string {
	codes := make([]string, 0, len(p))
	for c := range p {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func (p PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(p))
	for c := range p {
		out[c] = struct{}{}
	}
	return out
}

// Unrestricted reports whether scopes returned by ScopesWithPermission
// include a global grant, which covers every scope value.
func Unrestricted(scopes []Scope) bool {
	for _, s := range scopes {
		if s.IsGlobal() {
			return true
		}
	}
	return false
}

// ResourceIDs extracts the ids of kind from scopes. all is true when a
// global scope is present and the caller must not filter at all.
func ResourceIDs(scopes []Scope, kind string) (ids []string, all bool) {
	if Unrestricted(scopes) {
		return nil, true
	}
	for _, s := range scopes {
		if k, id, ok := s.Resource(); ok && k == kind {
			ids = append(ids, id)
		}
	}
	return ids, false
}

// Config tunes resolution
type Config struct {
	// CacheTTL bounds how long a resolved set may be served from cache
	CacheTTL time.Duration
	// MaxDepth bounds the parent walk from each assigned role
	MaxDepth int
}

// DefaultConfig returns a one hour cache TTL and a depth bound of 20
func DefaultConfig() Config {
	return Config{CacheTTL: time.Hour, MaxDepth: 20}
}
