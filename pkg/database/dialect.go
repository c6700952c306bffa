package database

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the driver-specific SQL the stores need
type Dialect interface {
	Driver() Driver
	// Builder returns a statement builder with the right placeholder format
	Builder() sq.StatementBuilderType
	// AutoIncrementPK is the column definition for a surrogate integer key
	AutoIncrementPK() string
	// TimestampType is the column type for instants
	TimestampType() string
	// JSONType is the column type for structured payloads
	JSONType() string
	// JSONHasKey matches rows whose JSON column holds key under the object at path
	JSONHasKey(column string, path []string, key string) sq.Sqlizer
	// JSONTextEquals matches rows whose JSON column has the string value at path
	JSONTextEquals(column string, path []string, value string) sq.Sqlizer
}

// DialectFor returns the dialect for a driver, defaulting to PostgreSQL
func DialectFor(driver Driver) Dialect {
	if driver == DriverSQLite {
		return sqliteDialect{}
	}
	return postgresDialect{}
}

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type postgresDialect struct{}

func (postgresDialect) Driver() Driver                   { return DriverPostgres }
func (postgresDialect) Builder() sq.StatementBuilderType { return builder }
func (postgresDialect) AutoIncrementPK() string          { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string            { return "TIMESTAMPTZ" }
func (postgresDialect) JSONType() string                 { return "JSONB" }

func pgPath(column string, path []string) string {
	expr := column + "::jsonb"
	for _, p := range path {
		expr += " -> '" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return expr
}

// JSONHasKey uses the jsonb key-exists operator; ?? survives placeholder rewriting as ?.
func (postgresDialect) JSONHasKey(column string, path []string, key string) sq.Sqlizer {
	return sq.Expr(fmt.Sprintf("(%s) ?? ?", pgPath(column, path)), key)
}

func (postgresDialect) JSONTextEquals(column string, path []string, value string) sq.Sqlizer {
	parent, last := path[:len(path)-1], path[len(path)-1]
	return sq.Expr(fmt.Sprintf("(%s) ->> '%s' = ?", pgPath(column, parent), strings.ReplaceAll(last, "'", "''")), value)
}

type sqliteDialect struct{}

func (sqliteDialect) Driver() Driver                   { return DriverSQLite }
func (sqliteDialect) Builder() sq.StatementBuilderType { return builder }
func (sqliteDialect) AutoIncrementPK() string          { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string            { return "TIMESTAMP" }
func (sqliteDialect) JSONType() string                 { return "TEXT" }

// sqlitePath builds a JSON path with every member quoted, e.g. $."diff"."status"
func sqlitePath(path ...string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, p := range path {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(p, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

func (sqliteDialect) JSONHasKey(column string, path []string, key string) sq.Sqlizer {
	full := append(append([]string(nil), path...), key)
	return sq.Expr(fmt.Sprintf("json_type(%s, ?) IS NOT NULL", column), sqlitePath(full...))
}

func (sqliteDialect) JSONTextEquals(column string, path []string, value string) sq.Sqlizer {
	return sq.Expr(fmt.Sprintf("json_extract(%s, ?) = ?", column), sqlitePath(path...), value)
}
