package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskward/pkg/database"
)

// Migrations returns the rbac schema steps. Global assignments store an
// empty scope so the unique constraint also covers them.
func Migrations(dialect database.Dialect) []database.Migration {
	ts := dialect.TimestampType()
	return []database.Migration{
		{
			Version:     1,
			Description: "create roles and permissions",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS rbac_roles (
					id ` + dialect.AutoIncrementPK() + `,
					code VARCHAR(100) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					parent_id BIGINT REFERENCES rbac_roles(id) ON DELETE SET NULL,
					created_at ` + ts + ` NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS rbac_permissions (
					id ` + dialect.AutoIncrementPK() + `,
					code VARCHAR(100) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					perm_group VARCHAR(100) NOT NULL DEFAULT ''
				)`,
				`CREATE TABLE IF NOT EXISTS rbac_role_permissions (
					role_id BIGINT NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES rbac_permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_rbac_roles_parent ON rbac_roles(parent_id)`,
			},
		},
		{
			Version:     2,
			Description: "create user role assignments",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS rbac_user_roles (
					id ` + dialect.AutoIncrementPK() + `,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					scope VARCHAR(255) NOT NULL DEFAULT '',
					created_at ` + ts + ` NOT NULL,
					UNIQUE (user_id, role_id, scope)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_rbac_user_roles_user_scope ON rbac_user_roles(user_id, scope)`,
				`CREATE INDEX IF NOT EXISTS idx_rbac_user_roles_role ON rbac_user_roles(role_id)`,
			},
		},
	}
}

// Migrate applies the rbac schema to db
func Migrate(ctx context.Context, db *sql.DB, dialect database.Dialect) error {
	if _, err := database.Migrate(ctx, db, dialect, "rbac_migrations", Migrations(dialect)); err != nil {
		return fmt.Errorf("failed to migrate rbac schema: %w", err)
	}
	return nil
}
