package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/events"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/httpapi"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/orchestrator"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/reconciler"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/registry"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/rotation"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ticketing"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Fleet Manager",
		zap.String("environment", cfg.Environment),
		zap.String("provider_base_url", cfg.Provider.BaseURL),
		zap.String("nats_url", cfg.NATS.URL),
	)

	// Initialize repositories
	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}
	connRepo := storage.NewConnectionRepoAdapter(postgresRepo)
	recordRepo := storage.NewInboundRecordRepoAdapter(postgresRepo)

	// Initialize lifecycle event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.NewNatsPublisher(context.Background(), cfg.NATS)
		if err != nil {
			logger.Log.Fatal("Failed to initialize NATS publisher", zap.Error(err))
		}
		publisher = natsPublisher
	} else {
		logger.Log.Warn("NATS URL not configured, lifecycle events disabled")
	}

	// Initialize external collaborators
	gateway := provider.NewHTTPClient(cfg.Provider)
	tickets := ticketing.NewHTTPClient(cfg.Ticketing.BaseURL, cfg.Ticketing.APIKey, cfg.Ticketing.RequestTimeout)

	// Wire up the core services
	tracker := quota.NewTracker(connRepo, publisher)
	reg := registry.New(connRepo, gateway, publisher, cfg.Quota, cfg.Tenant.DefaultID)
	selector := rotation.NewSelector(connRepo, tracker)
	orc := orchestrator.New(reg, selector, gateway, cfg.Provider.SendMaxRetries)

	// Background loops
	recon, err := reconciler.New(cfg.Reconciler, reg, connRepo, gateway, tracker, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize reconciler", zap.Error(err))
	}
	pruner := reconciler.NewPruner(recordRepo, cfg.Retention.DedupWindowDays, cfg.Retention.PruneInterval, logger.Log)
	pipeline, err := ingestion.NewPipeline(cfg.Ingestion, connRepo, recordRepo, gateway, tickets, tracker, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize ingestion pipeline", zap.Error(err))
	}

	// HTTP surface: health, metrics and the operator API share one server
	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	healthServer.RegisterReadyCheck("postgres", func(ctx context.Context) (string, error) {
		return "", postgresRepo.Ping(ctx)
	})
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	httpapi.NewHandler(orc).Register(healthServer.Mux())

	healthServer.Start()
	logger.Log.Info("HTTP endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	recon.Start(mainCtx)
	pruner.Start(mainCtx)
	pipeline.Start(mainCtx)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	wg.Add(4)

	// Stop the reconciler and pruner
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping reconciler")
		start := time.Now()
		recon.Stop()
		pruner.Stop()
		logger.Log.Info("[shutdown] Reconciler stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping reconciler",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Stop the ingestion pipeline
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping ingestion pipeline")
		start := time.Now()
		pipeline.Stop()
		logger.Log.Info("[shutdown] Ingestion pipeline stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping ingestion pipeline",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Stop the HTTP server
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping HTTP server")
		start := time.Now()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] HTTP server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping HTTP server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close external connections
	utils.SafeGo(func() {
		defer wg.Done()

		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		pgStart := time.Now()
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(pgStart)))
		}

		logger.Log.Info("[shutdown] Closing NATS connection")
		natsStart := time.Now()
		publisher.Close()
		logger.Log.Info("[shutdown] NATS connection closed",
			zap.Duration("duration", time.Since(natsStart)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing connections",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Daisi WA Fleet Manager shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}
