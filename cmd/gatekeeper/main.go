package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlflow-oidc/gatekeeper/pkg/api"
	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/config"
	"github.com/mlflow-oidc/gatekeeper/pkg/hooks"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/janitor"
	"github.com/mlflow-oidc/gatekeeper/pkg/middleware"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/proxy"
	"github.com/mlflow-oidc/gatekeeper/pkg/resolver"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
	"github.com/mlflow-oidc/gatekeeper/pkg/validators"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("tracking_url", cfg.Tracking.URL).Info("starting gatekeeper")

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Permission store
	db, err := store.Open(cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return fmt.Errorf("failed to open permission store: %w", err)
	}
	defer db.Close()
	if err := store.RunMigrations(ctx, db, cfg.Database.Driver); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	st := store.NewStore(db)

	trail := audit.NewTrail(db)
	if err := trail.Migrate(ctx, cfg.Database.Driver); err != nil {
		return fmt.Errorf("failed to migrate audit trail: %w", err)
	}

	// Redis session cache (optional)
	var redisClient *redis.Client
	if cfg.Auth.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Auth.RedisURL,
			Password: cfg.Auth.RedisPassword,
			DB:       cfg.Auth.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, continuing without session cache")
			redisClient = nil
		}
	}

	// Dynamic authz knobs with optional file + hot reload
	dyn := config.NewDynamic(cfg.Authz)
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if cfg.ConfigFile != "" {
		if err := dyn.LoadFile(cfg.ConfigFile); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
		if err := dyn.Watch(cfg.ConfigFile, logger, stopWatch); err != nil {
			return fmt.Errorf("failed to watch config file: %w", err)
		}
	}

	// Identity
	tokens := auth.NewTokenManager(st, cfg.Auth.TokenMaxTTL)
	var oidcAuth *auth.OIDCAuthenticator
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to configure OIDC: %w", err)
		}
		oidcAuth = auth.NewOIDCAuthenticator(verifier, st, cfg.Auth)
	} else {
		logger.Warn("no OIDC issuer configured, bearer JWTs will be rejected")
	}
	sessions := auth.NewSessionCache(redisClient, cfg.Auth.SessionTTL)
	authenticator := auth.NewAuthenticator(oidcAuth, tokens, sessions, logger, metrics)

	// Authorization pipeline
	res, err := resolver.New(st, dyn)
	if err != nil {
		return fmt.Errorf("failed to build resolver: %w", err)
	}
	trackingClient := tracking.NewClient(cfg.Tracking.URL, cfg.Tracking.Timeout)
	dispatcher := hooks.NewDispatcher(res, st, trackingClient, dyn, logger, metrics)
	validator := validators.New(res, trackingClient, logger, metrics)

	enforcer, err := proxy.New(cfg.Tracking.URL, cfg.Tracking.Timeout, validator, dispatcher, logger, metrics)
	if err != nil {
		return err
	}

	// Main router: management API routes first, everything else proxied.
	router := mux.NewRouter()
	api.NewServer(st, tokens, res, trail, logger).RegisterRoutes(router)
	router.PathPrefix("/").Handler(enforcer)

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, middleware.DefaultRateLimitConfig())
	}

	handler := httputil.Chain(
		httputil.RecoveryMiddleware,
		middleware.RequestID(logger),
		observability.HTTPMetricsMiddleware(metrics),
		middleware.NewIdentity(authenticator, validators.Unprotected, logger).Handler,
		middleware.RateLimit(limiter),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, cfg.Tracking.URL))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	if cfg.Janitor.Enabled {
		j := janitor.New(st, logger, metrics)
		if err := j.Start(ctx, cfg.Janitor.TokenPurgeSchedule); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			j.Stop()
			return nil
		})
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	return shutdown.WaitForShutdown()
}
