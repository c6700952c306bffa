// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	TASKWARD_HOST="0.0.0.0"
//	TASKWARD_PORT="8080"
//	TASKWARD_HEALTH_PORT="9090"
//	TASKWARD_READ_TIMEOUT="15s"
//	TASKWARD_SHUTDOWN_TIMEOUT="30s"
//
// Database settings:
//
//	TASKWARD_DB_DRIVER="postgres"  # sqlite3, postgres
//	TASKWARD_DB_DSN="postgres://localhost/taskward"
//	TASKWARD_DB_MAX_OPEN_CONNS="20"
//
// Cache settings (permission sets and audit dedup locks):
//
//	TASKWARD_CACHE_BACKEND="redis"  # memory, redis
//	TASKWARD_REDIS_URL="redis://localhost:6379"
//	TASKWARD_REDIS_POOL_SIZE="10"
//
// RBAC settings:
//
//	TASKWARD_RBAC_CACHE_TTL="1h"
//	TASKWARD_RBAC_MAX_DEPTH="20"
//
// Audit settings:
//
//	TASKWARD_AUDIT_CREATE_LOCK_TTL="10s"
//	TASKWARD_AUDIT_UPDATE_LOCK_TTL="5s"
//	TASKWARD_AUDIT_DEDUP_WINDOW="5s"
//	TASKWARD_AUDIT_ENTITIES_FILE="/etc/taskward/entities.yaml"
//	TASKWARD_AUDIT_IGNORED_FIELDS="updated_at,created_at,password"
//	TASKWARD_AUDIT_CLEANUP_SCHEDULE="@daily"
//
// The ignored field list applies to the built-in Project and Task schemas;
// an entities file carries its own ignored_fields.
//
// Observability settings:
//
//	TASKWARD_LOG_LEVEL="info"  # debug, info, warn, error
//	TASKWARD_METRICS_ENABLED="true"
//	TASKWARD_OTEL_ENABLED="true"
//	TASKWARD_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	db, err := database.Open(ctx, cfg.Database)
//
// # Related Packages
//
//   - pkg/database: Uses database configuration
//   - pkg/cache: Uses cache configuration
//   - pkg/audit: Uses dedup and cleanup configuration
package config
