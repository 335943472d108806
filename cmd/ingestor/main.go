// Package main provides the CLI entry point for the ingestor service.
// It handles configuration, service initialization, and HTTP server setup.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patiowatch/internal/api"
	"patiowatch/internal/config"
	"patiowatch/internal/database"
	"patiowatch/internal/ingest"
	"patiowatch/internal/metrics"
	"patiowatch/internal/notify"
	"patiowatch/internal/router"
	"patiowatch/internal/shared"
)

func main() {
	// Environment first, flags override
	cfg := config.LoadIngestor()
	flag.StringVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP server port")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Alert store backend (memory or postgres)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Kafka broker addresses (comma-separated, empty disables fan-out)")
	flag.StringVar(&cfg.AlertTopic, "alert-topic", cfg.AlertTopic, "Kafka topic for new alerts")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for metrics reporting (empty disables)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("Starting ingestor",
		"http_port", cfg.HTTPPort,
		"store", cfg.Store,
		"postgres_dsn", shared.MaskDSN(cfg.PostgresDSN),
		"kafka_brokers", cfg.KafkaBrokers,
		"alert_topic", cfg.AlertTopic,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	// Alert store
	var (
		ingestStore ingest.Store
		repo        api.AlertRepository
	)
	switch cfg.Store {
	case "postgres":
		slog.Info("Connecting to PostgreSQL database")
		db, err := database.NewDB(cfg.PostgresDSN)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or ensure Postgres is running")
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to ensure schema", "error", err)
			os.Exit(1)
		}
		slog.Info("Successfully connected to PostgreSQL database")
		ingestStore, repo = db, db
	default:
		slog.Info("Using in-memory alert store; alerts do not survive restarts")
		mem := database.NewMemoryStore()
		ingestStore, repo = mem, mem
	}

	// Optional Kafka fan-out for freshly created alerts
	opts := []ingest.Option{}
	if cfg.KafkaBrokers != "" {
		slog.Info("Connecting to Kafka producer", "topic", cfg.AlertTopic)
		alertPublisher, err := notify.New(cfg.KafkaBrokers, cfg.AlertTopic)
		if err != nil {
			slog.Error("Failed to create Kafka producer", "error", err)
			slog.Info("Tip: Start Kafka with 'docker compose up -d kafka'")
			os.Exit(1)
		}
		defer alertPublisher.Close()
		opts = append(opts, ingest.WithPublisher(alertPublisher))
	}

	// Metrics
	var collector *metrics.Collector
	if cfg.RedisAddr != "" {
		redisClient, err := shared.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Warn("Metrics disabled", "error", err)
		} else {
			defer redisClient.Close()
			collector = metrics.NewCollector("ingestor", redisClient)
			collector.Start(ctx)
			defer collector.Stop()
		}
	}

	svc := ingest.NewService(ingestStore, opts...)

	var recorder api.MetricsRecorder
	if collector != nil {
		recorder = collector
	}
	h := api.NewHandlers(svc, repo, recorder)
	server := router.NewServer(cfg.HTTPPort, h)

	// Start HTTP server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down HTTP server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down server", "error", err)
		}
		slog.Info("HTTP server stopped")
	case err := <-serverErrChan:
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Ingestor stopped")
}
