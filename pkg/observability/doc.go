// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.WithField("workspace_id", id).Info("workspace created")
//
// Request handlers use the request-scoped entry from pkg/contextkeys instead.
//
// # Prometheus Metrics
//
// Metrics satisfies both access.Recorder and billing.Recorder, so the guard
// and the reconciler report through it without importing this package:
//
//	metrics := observability.NewMetrics(registry)
//	guard := access.NewGuard(dir, sessions, access.WithRecorder(metrics))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// The workspaces-by-plan gauge is refreshed on a cron schedule:
//
//	refresher, err := observability.NewPlanGaugeRefresher(dir, metrics, "@every 1m", logger)
//	refresher.Start()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(dir, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:      true,
//		ServiceName:  "tenantgate",
//		Endpoint:     "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
