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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/numrent/numrent/internal/platform/cache"
	"github.com/numrent/numrent/internal/platform/config"
	"github.com/numrent/numrent/internal/platform/database"
	"github.com/numrent/numrent/internal/platform/logger"
	"github.com/numrent/numrent/internal/platform/messagebroker"
	"github.com/numrent/numrent/internal/rental_service/app"
	"github.com/numrent/numrent/internal/rental_service/domain"
	"github.com/numrent/numrent/internal/rental_service/provider"
	"github.com/numrent/numrent/internal/rental_service/repository/postgres"
	httptransport "github.com/numrent/numrent/internal/rental_service/transport/http"
)

const serviceName = "rental_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Rental sync service starting...", "port", cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(rootCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Connected to PostgreSQL database")

	var natsClient *messagebroker.NATSClient
	natsClient, err = messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		// The engine degrades to local-only fan-out without a broker.
		appLogger.Warn("Failed to connect to NATS, live mirroring disabled", "error", err)
		natsClient = nil
	} else {
		defer natsClient.Close()
		appLogger.Info("Connected to NATS", "url", cfg.NATSUrl)
	}

	redisCache := cache.New(cfg.RedisAddr, cfg.RedisDB, appLogger)
	defer redisCache.Close()

	rentalRepo := postgres.NewPgRentalRepository(dbPool, appLogger)
	messageRepo := postgres.NewPgMessageRepository(dbPool, appLogger)

	providerClient := &http.Client{Timeout: time.Duration(cfg.ProviderTimeoutSeconds) * time.Second}
	providers := provider.Registry{
		domain.ProviderSMSPVA:           provider.NewSMSPVAProvider(appLogger, cfg.SMSPVABaseURL, cfg.SMSPVAAPIKey, providerClient),
		domain.ProviderFiveSim:          provider.NewFiveSimProvider(appLogger, cfg.FiveSimBaseURL, cfg.FiveSimAPIKey, providerClient),
		domain.ProviderSMSActivate:      provider.NewSMSActivateProvider(appLogger, cfg.SMSActivateBaseURL, cfg.SMSActivateAPIKey, providerClient),
		domain.ProviderOnlineSim:        provider.NewOnlineSimProvider(appLogger, cfg.OnlineSimBaseURL, cfg.OnlineSimAPIKey, providerClient),
		domain.ProviderReceiveSMSOnline: provider.NewReceiveSMSOnlineProvider(appLogger, cfg.ReceiveSMSOnlineURL, providerClient),
	}

	var fanout *app.Fanout
	if natsClient != nil {
		fanout = app.NewFanout(natsClient, appLogger)
	} else {
		fanout = app.NewFanout(nil, appLogger)
	}

	scheduler := app.NewSyncScheduler(rentalRepo, messageRepo, providers, fanout, appLogger, app.SchedulerConfig{
		TickInterval:        time.Duration(cfg.SyncTickSeconds) * time.Second,
		AutoRefreshInterval: time.Duration(cfg.AutoRefreshSeconds) * time.Second,
		MinSyncInterval:     time.Duration(cfg.MinSyncIntervalSeconds) * time.Second,
		BackoffBase:         time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		MaxBackoff:          time.Duration(cfg.MaxBackoffSeconds) * time.Second,
		BatchSize:           cfg.SyncBatchSize,
		BatchStagger:        time.Duration(cfg.BatchStaggerMillis) * time.Millisecond,
	})

	rentalService := app.NewRentalService(rentalRepo, messageRepo, providers, redisCache, scheduler, appLogger, app.RentalServiceConfig{
		RentalListTTL: time.Duration(cfg.RentalListCacheTTLSeconds) * time.Second,
		CatalogTTL:    time.Duration(cfg.CatalogCacheTTLSeconds) * time.Second,
	})
	exportService := app.NewExportService(messageRepo, appLogger)

	validate := validator.New()
	handler := httptransport.NewRentalHandler(rentalService, scheduler, exportService, appLogger, validate)
	router := httptransport.NewRouter(handler, dbPool)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	g, gCtx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		err := scheduler.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("HTTP server listening on port %d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received, shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Rental sync service shut down gracefully.")
}
