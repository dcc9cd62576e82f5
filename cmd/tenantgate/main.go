package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/api"
	"github.com/platinummonkey/tenantgate/pkg/billing"
	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/plans"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/storage/postgres"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "YAML config file (overrides "+config.EnvPrefix+"CONFIG_FILE)")
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Parse()

	if *configFile != "" {
		os.Setenv(config.EnvPrefix+"CONFIG_FILE", *configFile) //nolint:errcheck
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate: %v\n", err)
		os.Exit(1)
	}

	if *migrateOnly {
		if err := migrate(cfg, logger); err != nil {
			logger.WithError(err).Fatal("Migration failed")
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

func migrate(cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Storage.Type != "postgres" {
		return errors.New("migrations require postgres storage")
	}
	cfg.Storage.RunMigrations = true
	dir, err := postgres.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	v, dirty, err := postgres.MigrationVersion(dir.DB())
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"version": v, "dirty": dirty}).Info("Migrations applied")
	return nil
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	dir, err := openDirectory(cfg.Storage, logger)
	if err != nil {
		return err
	}
	shutdown.Register("directory", func(context.Context) error {
		return dir.Close()
	})

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
		logger.Info("Redis connected")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	sessions := access.NewSessions(access.NewCookieStore(
		[]byte(cfg.Session.Secret),
		cfg.Session.Secure,
		int(cfg.Session.MaxAge.Seconds()),
	))
	guard := access.NewGuard(dir, sessions,
		access.WithLogger(logger),
		access.WithRecorder(metrics),
	)
	svc := workspaces.NewService(dir,
		workspaces.WithLogger(logger),
		workspaces.WithMemberLimit(plans.CanAddMember),
	)

	provider := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		Timeout:       cfg.Billing.StripeTimeout,
		MaxRetries:    cfg.Billing.StripeMaxRetries,
		Logger:        logger,
	}, metrics)
	reconciler := billing.NewReconciler(provider, dir, billing.Config{
		BaseURL: cfg.Server.BaseURL,
		PriceID: cfg.Billing.StripePriceID,
	},
		billing.WithLogger(logger),
		billing.WithRecorder(metrics),
	)

	health := observability.NewHealthChecker(dir, redisClient, version)

	deps := api.Dependencies{
		Directory:  dir,
		Workspaces: svc,
		Billing:    reconciler,
		Guard:      guard,
		Sessions:   sessions,
		Health:     health,
		Metrics:    metrics,
		Logger:     logger,
	}
	if cfg.Server.IdentityEmailHeader != "" {
		proxies, err := api.ParseTrustedProxies(cfg.Server.IdentityTrustedProxies)
		if err != nil {
			return err
		}
		deps.Identity = api.HeaderIdentityResolver{
			EmailHeader:    cfg.Server.IdentityEmailHeader,
			NameHeader:     cfg.Server.IdentityNameHeader,
			TrustedProxies: proxies,
		}
		logger.WithField("trusted_proxies", cfg.Server.IdentityTrustedProxies).Info("Proxy header login enabled")
	}
	if cfg.Server.RateLimitEnabled {
		deps.APILimiter, deps.WebhookLimiter = newLimiters(ctx, redisClient)
	}
	server := api.NewServer(deps)

	refresher, err := observability.NewPlanGaugeRefresher(dir, metrics, cfg.Observability.PlanGaugeSchedule, logger)
	if err != nil {
		return err
	}
	if cfg.Observability.MetricsEnabled {
		refresher.Start()
		shutdown.Register("plan-gauge-refresher", refresher.Stop)
	}

	metricsMux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(metricsMux, registry)
	observability.RegisterHealthRoutes(metricsMux, health)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	// servers stop first, then their dependencies
	shutdown.Register("metrics-server", metricsServer.Shutdown)
	shutdown.Register("api-server", apiServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Starting API server")
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", metricsServer.Addr).Info("Starting metrics server")
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}

func openDirectory(cfg storage.Config, logger logrus.FieldLogger) (storage.Directory, error) {
	switch cfg.Type {
	case "postgres":
		dir, err := postgres.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Postgres directory connected")
		return dir, nil
	default:
		logger.Warn("Using in-memory directory; data is lost on restart")
		return storage.NewMemoryDirectory(), nil
	}
}

// newLimiters shares limits across replicas through Redis when it is
// configured and falls back to per-process buckets otherwise
func newLimiters(ctx context.Context, redisClient *redis.Client) (apiLimiter, webhookLimiter middleware.Limiter) {
	if redisClient != nil {
		return middleware.NewDistributedRateLimiter(redisClient, middleware.PerUserRateLimitConfig(), "ratelimit:api"),
			middleware.NewDistributedRateLimiter(redisClient, middleware.WebhookRateLimitConfig(), "ratelimit:webhook")
	}

	apiBuckets := middleware.NewRateLimiter(middleware.PerUserRateLimitConfig())
	webhookBuckets := middleware.NewRateLimiter(middleware.WebhookRateLimitConfig())
	apiBuckets.StartCleanup(ctx)
	webhookBuckets.StartCleanup(ctx)
	return apiBuckets, webhookBuckets
}
