package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/api"
	"github.com/opine-hq/fieldsync/internal/cache"
	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/db"
	"github.com/opine-hq/fieldsync/internal/ingest"
	"github.com/opine-hq/fieldsync/internal/media"
	"github.com/opine-hq/fieldsync/internal/qc"
	"github.com/opine-hq/fieldsync/internal/review"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.DBConnectionString == "" || cfg.MediaBucket == "" {
		logger.Fatal("Missing required configuration (DB_CONNECTION_STRING and MEDIA_BUCKET must be set)")
	}

	// Initialize database
	store, err := db.NewPostgresStore(cfg.DBConnectionString)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}

	// Run migrations with retry logic
	if err := retry(3, 5*time.Second, func() error {
		return store.Migrate()
	}); err != nil {
		logger.Fatalf("Failed to run migrations after retries: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediaStore, err := media.NewS3Store(ctx, cfg.MediaBucket, cfg.AWSRegion)
	if err != nil {
		logger.Fatalf("Failed to initialize media store: %v", err)
	}

	// Initialize services
	memCache := cache.NewMemoryCache()
	ingestSvc := ingest.NewService(store, memCache, mediaStore, cfg.QC, logger)
	queue := review.NewQueue(store, cfg.QC)
	engine := qc.NewEngine(store, cfg.QC)

	handler := api.NewHandler(ingestSvc, queue, engine, store, memCache, cfg.QC, logger)
	router := api.SetupRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Start the scheduled QC sweep
	go engine.Start(ctx, cfg.QCSweepInterval)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server exited properly")
}

// retry retries a function up to a certain number of attempts with a delay between attempts
func retry(attempts int, sleep time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		if attempts--; attempts > 0 {
			time.Sleep(sleep)
			return retry(attempts, sleep, fn)
		}
		return err
	}
	return nil
}
