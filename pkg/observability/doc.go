// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", 42).Warn("role inheritance depth exhausted")
//
// # Prometheus Metrics
//
// Metrics are registered on a caller-supplied registry. The helper methods on
// *Metrics are nil-safe, so the rbac and audit engines can run without them:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.CacheHit()
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	ctx, span := observability.StartSpan(ctx, "rbac.resolve")
//	defer span.End()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, cacheBackend)
//	router.HandleFunc("/healthz", checker.Liveness)
//	router.HandleFunc("/readyz", checker.Readiness)
package observability
