package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/taskward/pkg/auth"
)

// ReferenceResolver renders a referenced entity as a display string. It
// returns ErrReferenceNotFound when the entity no longer exists.
type ReferenceResolver interface {
	Resolve(ctx context.Context, refType, id string) (string, error)
}

// ResolverFunc adapts a function to ReferenceResolver
type ResolverFunc func(ctx context.Context, refType, id string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, refType, id string) (string, error) {
	return f(ctx, refType, id)
}

// References dispatches to a resolver per referenced type
type References map[string]ReferenceResolver

func (r References) Resolve(ctx context.Context, refType, id string) (string, error) {
	res, ok := r[refType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoResolver, refType)
	}
	return res.Resolve(ctx, refType, id)
}

// UserLookup loads users by id
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*auth.User, error)
}

// UserResolver renders users as "full name (role label)"
type UserResolver struct {
	Users UserLookup
}

func (u UserResolver) Resolve(ctx context.Context, _ string, id string) (string, error) {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", id, err)
	}
	user, err := u.Users.GetUser(ctx, uid)
	if errors.Is(err, auth.ErrUserNotFound) {
		return "", ErrReferenceNotFound
	}
	if err != nil {
		return "", err
	}
	return user.DisplayWithRole(), nil
}

// LabelResolver names entities this service does not own by the label their
// latest audit record carries. Entities never recorded render as their id.
type LabelResolver struct {
	Store Store
}

func (l LabelResolver) Resolve(ctx context.Context, refType, id string) (string, error) {
	label, err := l.Store.LatestLabel(ctx, refType, id)
	if errors.Is(err, ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s %s has no recorded label", ErrNoResolver, refType, id)
	}
	return label, err
}

// CachedResolver memoizes successful resolutions for a short time, so a
// relationship change naming many members does not look each one up twice.
type CachedResolver struct {
	next  ReferenceResolver
	names *expirable.LRU[string, string]
}

// NewCachedResolver wraps next with an LRU of size entries living ttl
func NewCachedResolver(next ReferenceResolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		names: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, refType, id string) (string, error) {
	key := refType + ":" + id
	if name, ok := c.names.Get(key); ok {
		return name, nil
	}
	name, err := c.next.Resolve(ctx, refType, id)
	if err != nil {
		return "", err
	}
	c.names.Add(key, name)
	return name, nil
}
