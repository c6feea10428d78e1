// bridge runs the subdomain auth bridge: it maintains the session against the
// main application's auth API and gates access to the protected subdomain.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"subdomain-auth-bridge/internal/audit"
	auditrepo "subdomain-auth-bridge/internal/audit/repository"
	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/coldstart"
	"subdomain-auth-bridge/internal/config"
	"subdomain-auth-bridge/internal/db"
	"subdomain-auth-bridge/internal/guard"
	"subdomain-auth-bridge/internal/log"
	"subdomain-auth-bridge/internal/platform"
	"subdomain-auth-bridge/internal/policy"
	"subdomain-auth-bridge/internal/server"
	"subdomain-auth-bridge/internal/session"
	"subdomain-auth-bridge/internal/telemetry"
	"subdomain-auth-bridge/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := log.New(cfg.Env)
	ctx := context.Background()

	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, "subdomain-auth-bridge", false, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry setup")
	}
	providers.SetGlobal()

	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		logger.Warn().Err(err).Msg("metrics disabled")
	}

	var storage platform.Storage
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache, err = platform.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer cache.Close()
		storage = platform.NewRedisStorage(cache, cfg.RedisKeyPrefix)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis session storage")
	} else {
		storage = platform.NewMemoryStorage()
		logger.Info().Msg("using in-process session storage")
	}

	var dbConn *sql.DB
	var decisions auditrepo.Repository
	recorder := audit.NewRecorder(nil, logger)
	if cfg.DatabaseURL != "" {
		dbConn, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect")
		}
		defer dbConn.Close()
		decisions = auditrepo.NewPostgresRepository(dbConn)
		recorder = audit.NewRecorder(decisions, logger)
		logger.Info().Msg("access decision recording enabled")
	}

	bus := coldstart.NewBus(logger)
	watchdog := coldstart.NewWatchdog(bus, cfg.ColdStartThresholdDuration())
	coordinator := coldstart.NewCoordinator(bus, cfg.ColdStartThresholdDuration(), cfg.ColdStartMaxWaitDuration())
	coordinator.OnResolved(func(wait time.Duration) {
		metrics.RecordColdStart(context.Background(), wait.Seconds())
	})
	defer coordinator.Close()

	keys := session.DefaultKeys()
	store := session.NewStore(storage, keys, logger)

	client := authapi.NewClient(cfg.AuthAPIBaseURL, watchdog, cfg.APITimeout(), cfg.ValidateTimeout(), logger)
	manager := token.NewManager(store, client, cfg.RefreshLead(), nil, logger)
	client.SetUnauthorizedHandler(manager.RefreshForRetry)

	if err := manager.Initialize(ctx); err != nil {
		logger.Warn().Err(err).Msg("session restore failed; starting unauthenticated")
	}

	policySource := ""
	if cfg.PolicyFile != "" {
		src, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("read policy file")
		}
		policySource = string(src)
	}
	evaluator, err := policy.NewOPAEvaluator(ctx, policySource)
	if err != nil {
		logger.Fatal().Err(err).Msg("prepare policy")
	}

	// The guard gets its own client: its retry loop owns 401 handling, so the
	// session manager's refresh hook must not fire underneath it.
	guardClient := authapi.NewClient(cfg.AuthAPIBaseURL, watchdog, cfg.APITimeout(), cfg.ValidateTimeout(), logger)
	g := guard.New(guard.Config{
		Policy: policy.SubdomainPolicy{
			Subdomain:                cfg.Subdomain,
			AllowedRoles:             cfg.AllowedRolesList(),
			RequireEmailVerification: cfg.RequireEmailVerification,
		},
		SignInURL:       cfg.SignInURL,
		RetryAttempts:   cfg.GuardRetryAttempts,
		RetryDelay:      cfg.RetryDelay(),
		ValidateTimeout: cfg.ValidateTimeout(),
	}, guardClient, guardClient, evaluator, nil, logger)

	handlers := server.NewHandlerSet(logger, cfg, manager, store, g, storage, keys,
		watchdog, coordinator, recorder, decisions, metrics, dbConn, cache)
	srv := server.NewHTTPServer(cfg, logger, handlers)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Give in-flight async decision records time to land before providers go.
	time.Sleep(audit.ShutdownDrainDuration)

	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown")
	}
	logger.Info().Msg("bridge stopped")
}
