package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"futuresflow/config"
	"futuresflow/internal/binance"
	"futuresflow/internal/ingest"
	"futuresflow/internal/ratelimit"
	"futuresflow/internal/storage"
	"futuresflow/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Futuresflow.Name,
		"version": cfg.Futuresflow.Version,
		"env":     config.Environment(),
	}).Info("starting futuresflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		os.Exit(1)
	}

	limiter, err := ratelimit.New(cfg.Binance.RateLimit.Capacity, cfg.Binance.RateLimit.Interval)
	if err != nil {
		log.WithError(err).Error("invalid rate limiter configuration")
		os.Exit(1)
	}
	if cfg.Binance.RateLimit.AutoDiscover {
		binance.DiscoverWeightCapacity(ctx, limiter)
	}

	client := binance.NewClient(cfg.Binance, limiter)
	defer client.Close()

	streamer := binance.NewAggTradeStreamer(cfg.Binance)

	service, err := ingest.NewService(cfg.Ingest, client, streamer, store)
	if err != nil {
		log.WithError(err).Error("failed to build ingestion service")
		os.Exit(1)
	}
	if err := service.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ingestion service")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("ingestion service stop failed")
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("storage close failed")
	}

	log.WithComponent("main").Info("futuresflow stopped")
}
