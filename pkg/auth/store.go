package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/platinummonkey/taskward/pkg/database"
)

// Store persists users and API tokens
type Store struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewStore creates a new user store
func NewStore(db *sql.DB, dialect database.Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Migrations returns the auth schema steps
func Migrations(dialect database.Dialect) []database.Migration {
	ts := dialect.TimestampType()
	return []database.Migration{
		{
			Version:     1,
			Description: "create users",
			Statements: []string{`CREATE TABLE IF NOT EXISTS users (
				id ` + dialect.AutoIncrementPK() + `,
				username VARCHAR(150) NOT NULL UNIQUE,
				full_name VARCHAR(255) NOT NULL DEFAULT '',
				role_label VARCHAR(100) NOT NULL DEFAULT '',
				is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at ` + ts + ` NOT NULL
			)`},
		},
		{
			Version:     2,
			Description: "create api_tokens",
			Statements: []string{`CREATE TABLE IF NOT EXISTS api_tokens (
				id ` + dialect.AutoIncrementPK() + `,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				token_hash VARCHAR(64) NOT NULL UNIQUE,
				token_prefix VARCHAR(16) NOT NULL,
				name VARCHAR(100) NOT NULL DEFAULT '',
				expires_at ` + ts + `,
				last_used_at ` + ts + `,
				revoked_at ` + ts + `,
				created_at ` + ts + ` NOT NULL
			)`},
		},
	}
}

// Migrate creates the users and api_tokens tables
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := database.Migrate(ctx, s.db, s.dialect, "auth_migrations", Migrations(s.dialect)); err != nil {
		return fmt.Errorf("failed to migrate auth schema: %w", err)
	}
	return nil
}

// CreateUser inserts u and sets its ID and CreatedAt
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = s.now().UTC()
	query, args, err := s.dialect.Builder().Insert("users").
		Columns("username", "full_name", "role_label", "is_superuser", "is_active", "created_at").
		Values(u.Username, u.FullName, u.RoleLabel, u.IsSuperuser, u.IsActive, u.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) selectUsers() sq.SelectBuilder {
	return s.dialect.Builder().
		Select("id", "username", "full_name", "role_label", "is_superuser", "is_active", "created_at").
		From("users")
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.RoleLabel, &u.IsSuperuser, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	query, args, err := s.selectUsers().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateToken issues a token for userID. The plaintext is returned once.
func (s *Store) CreateToken(ctx context.Context, userID int64, name string, expiresAt *time.Time) (string, *APIToken, error) {
	token, hash, prefix, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	meta := &APIToken{
		UserID:      userID,
		TokenHash:   hash,
		TokenPrefix: prefix,
		Name:        name,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now().UTC(),
	}
	query, args, err := s.dialect.Builder().Insert("api_tokens").
		Columns("user_id", "token_hash", "token_prefix", "name", "expires_at", "created_at").
		Values(meta.UserID, meta.TokenHash, meta.TokenPrefix, meta.Name, meta.ExpiresAt, meta.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&meta.ID); err != nil {
		return "", nil, fmt.Errorf("failed to create token: %w", err)
	}
	return token, meta, nil
}

// ValidateToken resolves a live token to its active user and stamps last use
func (s *Store) ValidateToken(ctx context.Context, token string) (*User, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidToken
	}

	now := s.now().UTC()
	query, args, err := s.dialect.Builder().
		Select("u.id", "u.username", "u.full_name", "u.role_label", "u.is_superuser", "u.is_active", "u.created_at").
		From("api_tokens t").
		Join("users u ON u.id = t.user_id").
		Where(sq.Eq{"t.token_hash": HashToken(token), "t.revoked_at": nil, "u.is_active": true}).
		Where(sq.Or{sq.Eq{"t.expires_at": nil}, sq.Gt{"t.expires_at": now}}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	update, uargs, err := s.dialect.Builder().Update("api_tokens").
		Set("last_used_at", now).
		Where(sq.Eq{"token_hash": HashToken(token)}).
		ToSql()
	if err == nil {
		_, _ = s.db.ExecContext(ctx, update, uargs...)
	}
	return u, nil
}

// RevokeToken marks a token revoked
func (s *Store) RevokeToken(ctx context.Context, tokenID int64) error {
	query, args, err := s.dialect.Builder().Update("api_tokens").
		Set("revoked_at", s.now().UTC()).
		Where(sq.Eq{"id": tokenID, "revoked_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
