// Package main is the entrypoint for the autopost API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/autopost/internal/alert"
	"github.com/kiranshivaraju/autopost/internal/api"
	"github.com/kiranshivaraju/autopost/internal/api/handler"
	mw "github.com/kiranshivaraju/autopost/internal/api/middleware"
	"github.com/kiranshivaraju/autopost/internal/cache"
	"github.com/kiranshivaraju/autopost/internal/compose"
	"github.com/kiranshivaraju/autopost/internal/config"
	"github.com/kiranshivaraju/autopost/internal/connections"
	"github.com/kiranshivaraju/autopost/internal/credentials"
	"github.com/kiranshivaraju/autopost/internal/dispatch"
	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/internal/monitor"
	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/internal/secret"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
)

const (
	shutdownTimeout = 30 * time.Second
	userAgent       = "autopost/1.0"
	// lastDispatchTTL keeps the run-now summary around for the operator UI.
	lastDispatchTTL = 24 * time.Hour
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "email_alerts", cfg.EmailAlertsEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL.Unmask(), cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Secret box for stored client secrets
	box, err := secret.NewBox(cfg.Secret.EncryptionKey.Unmask())
	if err != nil {
		return fmt.Errorf("create secret box: %w", err)
	}

	// 6. Components
	pgStore := store.NewPostgresStore(pool)
	svc := buildServices(cfg, pgStore, redisCache, box, slog.Default())

	// 7. Build router with dependencies
	router := api.NewRouter(routerDeps(cfg, pgStore, redisCache, svc))

	// 8. Optional in-process schedules
	scheduler, err := scheduleTriggers(ctx, redisCache, map[string]string{
		"dispatch": cfg.Trigger.DispatchSchedule,
		"monitor":  cfg.Trigger.MonitorSchedule,
	}, map[string]triggerFunc{
		"dispatch": func(ctx context.Context) error {
			_, err := svc.engine.RunOnce(ctx)
			return err
		},
		"monitor": func(ctx context.Context) error {
			_, err := svc.monitor.Run(ctx)
			return err
		},
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("schedule triggers: %w", err)
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// services bundles the wired domain components.
type services struct {
	registry    *platform.Registry
	engine      *dispatch.Engine
	monitor     *monitor.Monitor
	composer    *compose.Service
	connections *connections.Service
}

// buildServices wires the domain components. Every outbound HTTP dependency
// gets its own breaker.
func buildServices(cfg *config.Config, st store.Store, c cache.Cache, box *secret.Box, logger *slog.Logger) *services {
	httpClient := &http.Client{Timeout: cfg.Dispatch.RequestTimeout}

	xHTTP := external.NewBaseClient(httpClient, "x-api", userAgent, 5)
	tokenHTTP := external.NewBaseClient(httpClient, "x-token", userAgent, 5)

	registry := platform.NewRegistry(
		platform.NewXClient(xHTTP, platform.XConfig{
			BaseURL:        cfg.X.APIBaseURL,
			MaxTextRunes:   cfg.X.MaxTextRunes,
			PostsPerSecond: cfg.Dispatch.PostsPerSecond,
		}),
		platform.NewThreads(cfg.Threads.MaxTextRunes),
	)

	resolver := credentials.NewResolver(st, box, tokenHTTP, credentials.Config{
		TokenURL:     cfg.X.TokenURL,
		ClientID:     cfg.X.ClientID,
		ClientSecret: cfg.X.ClientSecret.Unmask(),
		Lookahead:    cfg.Dispatch.RefreshLookahead,
	}, credentials.WithLogger(logger))

	engine := dispatch.NewEngine(st, resolver, registry,
		dispatch.WithPolicy(dispatch.Policy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			RetryDelay:  cfg.Dispatch.RetryDelay,
			BatchSize:   cfg.Dispatch.BatchSize,
		}),
		dispatch.WithRequestTimeout(cfg.Dispatch.RequestTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithAfterRun(recordLastDispatch(c, logger)),
	)

	var sink alert.Sink = alert.NewLogSink(logger)
	if cfg.EmailAlertsEnabled() {
		emailHTTP := external.NewBaseClient(httpClient, "email", userAgent, 3)
		sink = alert.NewEmailSink(emailHTTP, alert.EmailConfig{
			APIURL: cfg.Alert.EmailAPIURL,
			APIKey: cfg.Alert.EmailAPIKey.Unmask(),
			From:   cfg.Alert.From,
			To:     cfg.Alert.To,
		}, logger)
	}
	deduper := alert.NewDeduper(st, sink, alert.WithLogger(logger))

	mon := monitor.New(st, deduper, monitor.Config{
		StalePending:   cfg.Monitor.StalePending,
		StuckRunning:   cfg.Monitor.StuckRunning,
		FailedLookback: cfg.Monitor.FailedLookback,
		RowLimit:       cfg.Monitor.RowLimit,
		MonitorWindow:  cfg.Monitor.MonitorSuppressFor,
		ReportWindow:   cfg.Monitor.ReportSuppressFor,
		SubjectPrefix:  cfg.Monitor.SubjectPrefix,
	}, monitor.WithLogger(logger))

	return &services{
		registry: registry,
		engine:   engine,
		monitor:  mon,
		composer: compose.NewService(st, registry,
			compose.WithMinLead(cfg.Compose.MinLead),
			compose.WithLogger(logger),
		),
		connections: connections.NewService(st, box, registry, connections.WithLogger(logger)),
	}
}

// recordLastDispatch caches each run summary for GET /api/v1/admin/dispatch/last.
func recordLastDispatch(c cache.Cache, logger *slog.Logger) func(context.Context, *dispatch.Summary) {
	return func(ctx context.Context, s *dispatch.Summary) {
		if err := cache.SetJSON(ctx, c, cache.LastDispatchKey, s, lastDispatchTTL); err != nil {
			logger.Warn("caching dispatch summary failed", "error", err)
		}
	}
}

func routerDeps(cfg *config.Config, st store.Store, c cache.Cache, svc *services) api.Dependencies {
	dispatchHandler := handler.NewDispatchHandler(svc.engine)

	return api.Dependencies{
		Auth:          mw.NewAuth(st),
		RateLimit:     mw.NewRateLimit(c, cfg.Server.RequestsPerMin),
		TriggerSecret: cfg.Trigger.CronSecret.Unmask(),

		HealthHandler:  handler.NewHealthHandler(st, c),
		MetricsHandler: telemetry.Handler(),

		DispatchTrigger: dispatchHandler,
		MonitorTrigger:  handler.NewMonitorHandler(svc.monitor),
		ReportTrigger:   handler.NewReportHandler(svc.monitor),

		CreateJobs:   handler.NewCreateJobsHandler(svc.composer),
		ListJobs:     handler.NewListJobsHandler(st),
		CancelJobs:   handler.NewCancelJobsHandler(st, time.Now),
		CompleteJobs: handler.NewCompleteJobsHandler(st, time.Now),

		SaveConnection:   handler.NewSaveConnectionHandler(svc.connections),
		Disconnect:       handler.NewDisconnectHandler(svc.connections),
		ConnectionStatus: handler.NewConnectionStatusHandler(svc.connections),

		RunNow:           dispatchHandler,
		LastDispatch:     handler.NewLastDispatchHandler(c),
		CreateKeyHandler: handler.NewCreateKeyHandler(st, 0),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}
}
