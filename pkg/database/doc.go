// Package database opens the SQL handle shared by the rbac and audit stores
// and papers over the few places where PostgreSQL and SQLite disagree.
//
// The driver is selected once at startup:
//
//	db, err := database.Open(ctx, database.Config{Driver: database.DriverPostgres, DSN: dsn})
//	dialect := database.DialectFor(database.DriverPostgres)
//
// SQLite is intended for tests and single-node installs. An in-memory DSN
// forces a single connection so every query sees the same database.
package database
