package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/taskward/pkg/audit"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/database"
	"github.com/platinummonkey/taskward/pkg/observability"
	"github.com/platinummonkey/taskward/pkg/rbac"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database database.Config

	// Cache configuration (permission sets and dedup locks)
	Cache cache.Config

	// RBAC configuration
	RBAC rbac.Config

	// Audit configuration
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AuditConfig holds change-capture settings
type AuditConfig struct {
	Dedup   audit.DedupConfig
	Janitor audit.JanitorConfig

	// EntitiesFile is a YAML registry of tracked types. Empty uses the
	// built-in Project and Task schemas with IgnoredFields.
	EntitiesFile  string
	IgnoredFields []string

	// LogAllRequests writes an access entry for every request, not only
	// mutations, failures and sensitive paths
	LogAllRequests bool

	ReferenceCacheSize int
	ReferenceCacheTTL  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// OTel converts the settings for observability.InitTracing
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		RBAC:          loadRBACConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TASKWARD_HOST", "0.0.0.0"),
		Port:            getEnv("TASKWARD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TASKWARD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TASKWARD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TASKWARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TASKWARD_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TASKWARD_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() database.Config {
	cfg := database.DefaultConfig()

	if driver := getEnv("TASKWARD_DB_DRIVER", ""); driver != "" {
		cfg.Driver = database.Driver(strings.ToLower(driver))
	}
	if dsn := getEnv("TASKWARD_DB_DSN", ""); dsn != "" {
		cfg.DSN = dsn
	}
	if maxOpen := getEnvInt("TASKWARD_DB_MAX_OPEN_CONNS", 0); maxOpen > 0 {
		cfg.MaxOpenConns = maxOpen
	}
	if maxIdle := getEnvInt("TASKWARD_DB_MAX_IDLE_CONNS", 0); maxIdle > 0 {
		cfg.MaxIdleConns = maxIdle
	}
	if lifetime := getEnvDuration("TASKWARD_DB_CONN_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.ConnMaxLifetime = lifetime
	}
	if timeout := getEnvDuration("TASKWARD_DB_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

// loadCacheConfig loads cache configuration from environment
func loadCacheConfig() cache.Config {
	cfg := cache.DefaultConfig()

	if backend := getEnv("TASKWARD_CACHE_BACKEND", ""); backend != "" {
		cfg.Backend = cache.Backend(strings.ToLower(backend))
	}
	if size := getEnvInt("TASKWARD_CACHE_MEMORY_SIZE", 0); size > 0 {
		cfg.MemorySize = size
	}

	// Redis config
	if redisURL := getEnv("TASKWARD_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TASKWARD_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TASKWARD_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TASKWARD_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TASKWARD_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadRBACConfig loads permission resolution settings from environment
func loadRBACConfig() rbac.Config {
	cfg := rbac.DefaultConfig()
	cfg.CacheTTL = getEnvDuration("TASKWARD_RBAC_CACHE_TTL", cfg.CacheTTL)
	cfg.MaxDepth = getEnvInt("TASKWARD_RBAC_MAX_DEPTH", cfg.MaxDepth)
	return cfg
}

// loadAuditConfig loads change-capture settings from environment
func loadAuditConfig() AuditConfig {
	dedup := audit.DefaultDedupConfig()
	janitor := audit.DefaultJanitorConfig()

	return AuditConfig{
		Dedup: audit.DedupConfig{
			CreateLockTTL: getEnvDuration("TASKWARD_AUDIT_CREATE_LOCK_TTL", dedup.CreateLockTTL),
			UpdateLockTTL: getEnvDuration("TASKWARD_AUDIT_UPDATE_LOCK_TTL", dedup.UpdateLockTTL),
			Window:        getEnvDuration("TASKWARD_AUDIT_DEDUP_WINDOW", dedup.Window),
		},
		Janitor: audit.JanitorConfig{
			Schedule: getEnv("TASKWARD_AUDIT_CLEANUP_SCHEDULE", janitor.Schedule),
			Grace:    getEnvDuration("TASKWARD_AUDIT_CLEANUP_GRACE", janitor.Grace),
			Lookback: getEnvDuration("TASKWARD_AUDIT_CLEANUP_LOOKBACK", janitor.Lookback),
			Window:   getEnvDuration("TASKWARD_AUDIT_DEDUP_WINDOW", janitor.Window),
		},
		EntitiesFile:       getEnv("TASKWARD_AUDIT_ENTITIES_FILE", ""),
		IgnoredFields:      getEnvList("TASKWARD_AUDIT_IGNORED_FIELDS", audit.DefaultIgnoredFields),
		LogAllRequests:     getEnvBool("TASKWARD_AUDIT_LOG_ALL_REQUESTS", false),
		ReferenceCacheSize: getEnvInt("TASKWARD_AUDIT_REFERENCE_CACHE_SIZE", 1024),
		ReferenceCacheTTL:  getEnvDuration("TASKWARD_AUDIT_REFERENCE_CACHE_TTL", time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TASKWARD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TASKWARD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TASKWARD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TASKWARD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TASKWARD_OTEL_SERVICE_NAME", "taskward"),
		OTelServiceVersion: getEnv("TASKWARD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TASKWARD_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
	default:
		return fmt.Errorf("invalid database driver: %s (must be one of %v)", c.Database.Driver, database.Drivers())
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	// Validate cache config
	switch c.Cache.Backend {
	case cache.BackendMemory:
	case cache.BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be one of %v)", c.Cache.Backend, cache.Backends())
	}

	if c.RBAC.MaxDepth <= 0 {
		return fmt.Errorf("rbac max depth must be positive")
	}
	if c.RBAC.CacheTTL <= 0 {
		return fmt.Errorf("rbac cache TTL must be positive")
	}

	// Validate audit config
	if c.Audit.Dedup.CreateLockTTL <= 0 || c.Audit.Dedup.UpdateLockTTL <= 0 {
		return fmt.Errorf("audit dedup lock TTLs must be positive")
	}
	if c.Audit.Dedup.Window <= 0 {
		return fmt.Errorf("audit dedup window must be positive")
	}
	if c.Audit.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Audit.Janitor.Schedule); err != nil {
			return fmt.Errorf("invalid audit cleanup schedule %q: %w", c.Audit.Janitor.Schedule, err)
		}
	}
	if c.Audit.EntitiesFile != "" {
		if _, err := os.Stat(c.Audit.EntitiesFile); err != nil {
			return fmt.Errorf("audit entities file: %w", err)
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
