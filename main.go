package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"barflow/config"
	"barflow/fetcher"
	"barflow/ingest"
	"barflow/logger"
	"barflow/processor"
	"barflow/state"
	"barflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Barflow.Name,
		"version":     cfg.Barflow.Version,
		"environment": config.AppEnvironment(),
		"ticker":      cfg.Source.Polygon.Ticker,
	}).Info("starting barflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var sinks []writer.Sink
	if cfg.Sink.Console.Enabled {
		sinks = append(sinks, writer.NewConsoleSink())
	}
	if cfg.Sink.JSONL.Enabled {
		sinks = append(sinks, writer.NewJSONLSink(cfg))
	}
	if cfg.Sink.S3.Enabled {
		parquetSink, err := writer.NewParquetSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create parquet sink")
			os.Exit(1)
		}
		sinks = append(sinks, parquetSink)
	}

	store := state.NewStore(cfg.State.Path)
	loop := ingest.NewLoop(
		cfg,
		fetcher.NewFetcher(cfg),
		processor.NewNormalizer(cfg),
		store,
		writer.NewFanout(sinks...),
	)

	if err := loop.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ingestion loop")
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
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("barflow stopped")
}
