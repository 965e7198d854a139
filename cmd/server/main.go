package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"appraisal/server/config"
	"appraisal/server/internal/api"
	"appraisal/server/internal/cache"
	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/database"
	"appraisal/server/internal/geocoding"
	"appraisal/server/internal/processor"
	"appraisal/server/internal/queue"
	"appraisal/server/internal/scheduler"
	"appraisal/server/internal/valuation"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create database directory")
	}
	logger.Infof("Using database at: %s", cfg.Database.Path)

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	logger.Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	settings, err := cfg.EngineSettings()
	if err != nil {
		logger.WithError(err).Fatal("Invalid valuation settings")
	}

	if cfg.Snapshot.SeedFile != "" {
		if err := importSeed(db, cfg.Snapshot.SeedFile, &settings, logger); err != nil {
			logger.WithError(err).Fatal("Failed to import seed")
		}
	}

	loader, closeLoader, err := coefficientLoader(cfg, db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open coefficient source")
	}
	defer closeLoader()

	store := coefficients.NewStore(loader, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := store.Refresh(ctx); err != nil {
		logger.WithError(err).Error("Initial snapshot load failed, serving an empty snapshot")
	}
	cancel()

	handler := api.NewHandler(db, store, valuation.NewEngine(settings), logger)

	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Result cache disabled")
		} else {
			defer client.Close()
			handler.SetCache(cache.NewResultCache(cache.NewRedisKVStore(client), cfg.Redis.TTL, logger))
			logger.WithField("addr", cfg.Redis.Addr).Info("Result cache enabled")
		}
	}

	if cfg.Geocoder.URL != "" {
		handler.SetGeocoder(geocoding.NewGeocoder(geocoding.Options{
			BaseURL:     cfg.Geocoder.URL,
			CountryCode: cfg.Geocoder.CountryCode,
			CacheDir:    cfg.Geocoder.CacheDir,
			Interval:    cfg.Geocoder.Interval,
		}, logger))
		logger.WithField("url", cfg.Geocoder.URL).Info("Address lookups enabled")
	}

	runQueue := queue.NewRunQueue(cfg.BatchProcessing.QueueSize, logger)
	batchProcessor := processor.NewBatchProcessor(db.Gorm(), runQueue, cfg, logger)
	batchProcessor.Start()
	handler.SetRecorder(batchProcessor)

	refresher := scheduler.NewScheduler(store, cfg.Snapshot.RefreshInterval, logger)
	refresher.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handler, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	refresher.Stop()
	batchProcessor.Stop()
	logger.Info("Server stopped")
}

func importSeed(db *database.Database, path string, settings *valuation.Settings, logger *logrus.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	formulas, districts, err := seed.Records()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	added, saved, err := db.ImportSeed(ctx, formulas, districts)
	if err != nil {
		return err
	}
	seed.ApplyTo(settings)

	logger.WithFields(logrus.Fields{
		"file":      path,
		"formulas":  added,
		"districts": saved,
	}).Info("Seed imported")
	return nil
}

// coefficientLoader picks the source snapshots are built from
func coefficientLoader(cfg *config.Config, db *database.Database) (coefficients.Loader, func(), error) {
	if cfg.Database.CoefficientSource != "postgres" {
		return db, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := database.OpenPostgres(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}
