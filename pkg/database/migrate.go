package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema step. Statements run in order inside a
// single transaction.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// Migrate applies every migration not yet recorded in table
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, table string, migrations []Migration) (int, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		version INT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at `+dialect.TimestampType()+` NOT NULL
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", table, err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", table, err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", table, err)
	}

	var ran int
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute migration %d (%s): %w", m.Version, m.Description, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO "+table+" (version, description, applied_at) VALUES ($1, $2, $3)",
				m.Version, m.Description, time.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}
