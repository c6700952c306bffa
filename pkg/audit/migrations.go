package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/taskward/pkg/database"
)

// Migrations returns the audit schema steps
func Migrations(dialect database.Dialect) []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "create audit records",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS audit_records (
					id ` + dialect.AutoIncrementPK() + `,
					actor_id BIGINT,
					actor_name VARCHAR(255) NOT NULL DEFAULT '',
					action VARCHAR(20) NOT NULL,
					result VARCHAR(20) NOT NULL DEFAULT 'success',
					ip VARCHAR(64) NOT NULL DEFAULT '',
					target_type VARCHAR(100) NOT NULL,
					target_id VARCHAR(100) NOT NULL,
					target_label VARCHAR(255) NOT NULL DEFAULT '',
					summary TEXT NOT NULL DEFAULT '',
					details ` + dialect.JSONType() + ` NOT NULL,
					content_hash VARCHAR(64) NOT NULL DEFAULT '',
					project_id BIGINT,
					task_id BIGINT,
					created_at ` + dialect.TimestampType() + ` NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_records_target ON audit_records(target_type, target_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_records_actor ON audit_records(actor_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_records_hash ON audit_records(content_hash)`,
			},
		},
	}
}

// Migrate applies the audit schema to db
func Migrate(ctx context.Context, db *sql.DB, dialect database.Dialect) error {
	if _, err := database.Migrate(ctx, db, dialect, "audit_migrations", Migrations(dialect)); err != nil {
		return fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return nil
}
