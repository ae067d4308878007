package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/config"
	"candleflow/logger"
	"candleflow/reader/binance"
	"candleflow/reader/vision"
	"candleflow/store"
)

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
		"service": cfg.Candleflow.Name,
		"version": cfg.Candleflow.Version,
	}).Info("starting candleflow")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Error("Failed to open candle store")
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Report.Enabled {
		logger.StartReport(ctx, log, cfg.Report.Interval)
	}

	// Batch producers run in the foreground before streaming starts, so a
	// restart always closes historical gaps first.
	batchFailed := false

	if cfg.Backfill.Enabled {
		backfill := binance.NewBackfill(cfg, st)
		if err := backfill.Run(ctx); err != nil {
			log.WithError(err).Error("backfill run finished with failures")
			batchFailed = true
		}
	}

	if cfg.Archive.Enabled {
		downloader := vision.NewDownloader(cfg, st)
		if err := downloader.Run(ctx); err != nil {
			log.WithError(err).Error("archive run finished with failures")
			batchFailed = true
		}
	}

	if !cfg.Stream.Enabled {
		if batchFailed {
			os.Exit(1)
		}
		log.Info("candleflow batch run completed")
		return
	}

	stream := binance.NewStream(cfg, st)
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream ingester")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if batchFailed {
		log.Warn("candleflow stopped with earlier batch failures")
		os.Exit(1)
	}
	log.Info("candleflow stopped")
}
