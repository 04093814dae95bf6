package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/cdm"
	"github.com/ekaya-inc/erd2dataverse/pkg/config"
	"github.com/ekaya-inc/erd2dataverse/pkg/database"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/deploy"
	"github.com/ekaya-inc/erd2dataverse/pkg/handlers"
	"github.com/ekaya-inc/erd2dataverse/pkg/middleware"
	"github.com/ekaya-inc/erd2dataverse/pkg/repositories"
	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
	"github.com/ekaya-inc/erd2dataverse/pkg/rollback"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
	"github.com/ekaya-inc/erd2dataverse/pkg/validation"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(Version)
	if err != nil {
		// Logger config depends on cfg.Env, so fall back to a production logger.
		zap.Must(zap.NewProduction()).Fatal("Failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Strings("dataverse_environments", cfg.Dataverse.EnvironmentNames()),
		zap.Bool("history_database", cfg.Database.Enabled),
		zap.Bool("test_mode", cfg.TestMode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := newDeploymentRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up deployment history", zap.Error(err))
	}
	defer closeRepo()

	remoteRetry := &retry.Config{
		MaxRetries:   max(cfg.Deployment.MaxAttempts-1, 0),
		InitialDelay: cfg.Deployment.RetryInitialDelay,
		MaxDelay:     cfg.Deployment.RetryMaxDelay,
		Multiplier:   2.0,
		MaxJitter:    cfg.Deployment.RetryMaxJitter,
	}

	clients := dataverse.NewClientCache(dataverse.New, logger)
	environments := services.NewEnvironmentResolver(&cfg.Dataverse, clients)

	validator := validation.New(validation.Options{FKStrictness: validation.FKStrictness(cfg.Validation.FKStrictness)})
	matcher := cdm.NewMatcher(cfg.Validation.CDMThreshold, logger)
	validationService := services.NewValidationService(validator, matcher, logger)

	orchestrator := deploy.New(deploy.Config{
		EntityConcurrency:       cfg.Deployment.EntityConcurrency,
		RelationshipConcurrency: cfg.Deployment.RelationshipConcurrency,
		Retry:                   remoteRetry,
		SettleDelay:             cfg.Deployment.SettleDelay,
		ReadinessInterval:       cfg.Deployment.ReadinessInterval,
		ReadinessTimeout:        cfg.Deployment.ReadinessTimeout,
		RelationshipWait:        cfg.Deployment.RelationshipWait,
	}, deploy.NewCancelRegistry(), logger)

	deploymentService := services.NewDeploymentService(validationService, environments, orchestrator, repo, logger)
	historyService := services.NewHistoryService(repo, logger)

	if n, err := deploymentService.RecoverInterrupted(ctx); err != nil {
		logger.Error("Failed to recover interrupted deployments", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered interrupted deployments", zap.Int("count", n))
	}

	tracker := rollback.NewTracker(cfg.Rollback.TrackerCapacity, cfg.Rollback.StatusTTL)
	rollbacks := rollback.NewEngine(repo, services.RollbackClients(environments), deploymentService, tracker,
		rollback.Config{Retry: remoteRetry}, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewValidationHandler(validationService, logger).RegisterRoutes(mux)
	handlers.NewDeployHandler(deploymentService, handlers.DeployHandlerConfig{
		TestMode:          cfg.TestMode,
		HeartbeatInterval: cfg.Deployment.HeartbeatInterval,
	}, logger).RegisterRoutes(mux)
	handlers.NewDeploymentsHandler(historyService, deploymentService, logger).RegisterRoutes(mux)
	handlers.NewRollbackHandler(rollbacks, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// Deployments stream for minutes; the write deadline covers the whole run.
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting erd2dataverse", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	// Background rollbacks are detached from requests; let them record their outcome.
	rollbacks.Wait()
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.Env == "local" {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

// newDeploymentRepository returns the Postgres history store when a database
// is configured, otherwise the in-memory store.
func newDeploymentRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.DeploymentRepository, func(), error) {
	if !cfg.Database.Enabled {
		logger.Warn("No database configured; deployment history is kept in memory and lost on restart")
		return repositories.NewMemoryDeploymentRepository(), func() {}, nil
	}

	url := cfg.Database.ConnectionString()

	sqlDB, err := database.OpenSQL(url)
	if err != nil {
		return nil, nil, err
	}
	err = database.RunMigrations(sqlDB, logger)
	_ = sqlDB.Close()
	if err != nil {
		return nil, nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            url,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to history database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))
	return repositories.NewDeploymentRepository(db), db.Close, nil
}
