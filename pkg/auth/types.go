package auth

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// User is an account as seen by permission checks and audit rendering
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name,omitempty"`
	RoleLabel   string    `json:"role_label,omitempty"`
	IsSuperuser bool      `json:"is_superuser"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Anonymous is the unauthenticated request user
var Anonymous = &User{}

// IsAuthenticated reports whether u is a persisted, active account
func (u *User) IsAuthenticated() bool {
	return u != nil && u.ID > 0 && u.IsActive
}

// DisplayName prefers the full name over the username
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// DisplayWithRole renders "Full Name (Role)" when a role label is set
func (u *User) DisplayWithRole() string {
	name := u.DisplayName()
	if u != nil && u.RoleLabel != "" {
		return name + " (" + u.RoleLabel + ")"
	}
	return name
}

// APIToken is the stored metadata of an issued token
type APIToken struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	Name        string     `json:"name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
