package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/taskward/pkg/audit"
	"github.com/platinummonkey/taskward/pkg/auth"
	"github.com/platinummonkey/taskward/pkg/cache"
	"github.com/platinummonkey/taskward/pkg/config"
	"github.com/platinummonkey/taskward/pkg/database"
	"github.com/platinummonkey/taskward/pkg/httputil"
	"github.com/platinummonkey/taskward/pkg/observability"
	"github.com/platinummonkey/taskward/pkg/rbac"
)

// servicePermissions are created at startup so roles can be granted them
var servicePermissions = []struct {
	code, name string
}{
	{rbac.ManagePermission, "Manage roles and assignments"},
	{audit.ViewPermission, "View audit history"},
	{audit.ManagePermission, "Run audit cleanup"},
	{audit.CapturePermission, "Report entity changes"},
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("taskward exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	dialect := database.DialectFor(cfg.Database.Driver)

	users := auth.NewStore(db, dialect)
	if err := users.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate users: %w", err)
	}
	if err := rbac.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("failed to migrate rbac: %w", err)
	}
	if err := audit.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("failed to migrate audit: %w", err)
	}
	logger.WithField("driver", string(cfg.Database.Driver)).Info("Database ready")

	backend, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}
	logger.WithField("backend", string(cfg.Cache.Backend)).Info("Cache ready")

	resolver := rbac.NewResolver(rbac.NewSQLStore(db, dialect), backend, cfg.RBAC, logger, metrics)
	for _, p := range servicePermissions {
		if _, err := resolver.CreatePermission(ctx, p.code, p.name, "service"); err != nil {
			return fmt.Errorf("failed to create permission %s: %w", p.code, err)
		}
	}

	entities, err := loadEntities(cfg.Audit)
	if err != nil {
		return err
	}
	logger.WithField("types", entities.Types()).Info("Tracking entity types")

	auditStore := audit.NewSQLStore(db, dialect)
	labels := audit.NewCachedResolver(audit.LabelResolver{Store: auditStore}, cfg.Audit.ReferenceCacheSize, cfg.Audit.ReferenceCacheTTL)
	refs := audit.References{
		"User":    audit.NewCachedResolver(audit.UserResolver{Users: users}, cfg.Audit.ReferenceCacheSize, cfg.Audit.ReferenceCacheTTL),
		"Project": labels,
		"Phase":   labels,
	}
	guard := audit.NewDedupGuard(backend, auditStore, cfg.Audit.Dedup, logger, metrics)
	recorder := audit.NewRecorder(auditStore, guard, logger, metrics)
	hook := audit.NewHook(entities, nil, refs, recorder, logger)

	janitor := audit.NewJanitor(auditStore, cfg.Audit.Janitor, logger, metrics)
	if err := janitor.Start(); err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
		auth.NewMiddleware(users, logger).Authenticate,
		httputil.LoggingMiddleware(logger),
		audit.NewMiddleware(recorder, cfg.Audit.LogAllRequests, logger).Handler,
	)
	rbac.NewHandlers(resolver, users, logger).RegisterRoutes(router)
	audit.NewHandlers(auditStore, entities, resolver, janitor, logger).RegisterRoutes(router)
	audit.NewCaptureHandlers(hook, users, resolver, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "taskward"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, backend)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	sm.Register("database", func(context.Context) error {
		return db.Close()
	})
	sm.Register("cache", func(context.Context) error {
		return backend.Close()
	})
	sm.Register("audit janitor", janitor.Stop)
	sm.Register("health server", healthServer.Shutdown)

	serveErr := make(chan error, 2)
	go serve(healthServer, serveErr)
	go serve(server, serveErr)
	logger.Infof("taskward listening on %s (health on %s)", server.Addr, healthServer.Addr)

	select {
	case err := <-serveErr:
		stop()
		return errors.Join(err, sm.Shutdown())
	case <-ctx.Done():
		return sm.Wait(ctx)
	}
}

func serve(srv *http.Server, errs chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("server %s: %w", srv.Addr, err)
	}
}

func loadEntities(cfg config.AuditConfig) (*audit.Registry, error) {
	if cfg.EntitiesFile != "" {
		r, err := audit.LoadRegistry(cfg.EntitiesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load entity registry: %w", err)
		}
		return r, nil
	}
	return audit.BuiltinRegistry(cfg.IgnoredFields)
}
