package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/buffer"
	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/syncer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stdout)

	serverURL := os.Getenv("FIELDSYNC_SERVER_URL")
	if serverURL == "" {
		logger.Fatal("FIELDSYNC_SERVER_URL must be set")
	}

	bufferPath := os.Getenv("FIELDSYNC_BUFFER_PATH")
	if bufferPath == "" {
		bufferPath = "fieldsync-buffer.db"
	}

	store, err := buffer.NewSQLiteStore(bufferPath)
	if err != nil {
		logger.Fatalf("Failed to open submission buffer: %v", err)
	}
	defer store.Close()

	cfg := config.DefaultSyncConfig()
	client := syncer.NewHTTPClient(serverURL, cfg.RequestTimeout)
	reconciler := syncer.NewReconciler(store, client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Run(ctx)

	// SIGHUP stands in for a connectivity-change notification: it wakes the
	// reconciler ahead of its timer.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.WithField("buffer", bufferPath).Info("Sync agent running")
	for sig := range signals {
		if sig == syscall.SIGHUP {
			logger.Info("Connectivity kick received")
			reconciler.Notify()
			continue
		}
		break
	}

	logger.Info("Sync agent shutting down")
	cancel()
}
