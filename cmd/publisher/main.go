// Package main provides the CLI entry point for the publisher service.
// It wires the durable outbox, the delivery pipeline, and the optional
// device simulator.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"patiowatch/internal/config"
	"patiowatch/internal/event"
	"patiowatch/internal/flusher"
	"patiowatch/internal/metrics"
	"patiowatch/internal/outbox"
	"patiowatch/internal/publisher"
	"patiowatch/internal/sender"
	"patiowatch/internal/shared"
	"patiowatch/internal/simulator"
)

func main() {
	// Environment first, flags override
	cfg := config.LoadPublisher()
	flag.StringVar(&cfg.BackendBaseURL, "backend-base-url", cfg.BackendBaseURL, "Ingestion API base URL")
	flag.StringVar(&cfg.AuthBearer, "auth-bearer", cfg.AuthBearer, "Bearer token for the ingestion API")
	flag.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device identifier for emitted events")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Outbox store backend (memory or postgres)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string for the outbox")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Events per flush batch")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Delivery attempts before dead-lettering")
	flag.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Interval between flush runs")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for metrics reporting (empty disables)")
	flag.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "Run the device simulator")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("Starting publisher",
		"backend_base_url", cfg.BackendBaseURL,
		"device_id", cfg.DeviceID,
		"store", cfg.Store,
		"batch_size", cfg.BatchSize,
		"max_attempts", cfg.MaxAttempts,
		"flush_interval", cfg.FlushInterval,
		"simulate", cfg.Simulate,
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

	// Outbox store
	var store outbox.Store
	switch cfg.Store {
	case "postgres":
		slog.Info("Connecting to PostgreSQL outbox", "postgres_dsn", shared.MaskDSN(cfg.PostgresDSN))
		conn, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			slog.Error("Failed to open outbox database", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		if err := conn.PingContext(ctx); err != nil {
			slog.Error("Failed to ping outbox database", "error", err)
			slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or ensure Postgres is running")
			os.Exit(1)
		}
		pgStore := outbox.NewPostgresStore(conn)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to ensure outbox schema", "error", err)
			os.Exit(1)
		}
		store = pgStore
	default:
		slog.Info("Using in-memory outbox store; queued events do not survive restarts")
		store = outbox.NewMemoryStore()
	}

	// Metrics
	var collector *metrics.Collector
	if cfg.RedisAddr != "" {
		redisClient, err := shared.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Warn("Metrics disabled", "error", err)
		} else {
			defer redisClient.Close()
			collector = metrics.NewCollector("publisher", redisClient)
			collector.Start(ctx)
			defer collector.Stop()
		}
	}

	// Delivery pipeline
	send := sender.New(cfg.BackendBaseURL, cfg.AuthBearer, cfg.SendTimeout)
	pub := publisher.New(send, store)
	fl := flusher.New(store, send, flusher.Options{
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.FlushInterval,
		ItemTimeout: cfg.SendTimeout,
	})

	go fl.Run(ctx)

	// Optional simulated fleet
	if cfg.Simulate {
		sim := simulator.New(&metricSink{pub: pub, collector: collector}, 6, cfg.SimulatorRate, 0)
		sim.Start(ctx)
		defer sim.Stop()
	}

	<-ctx.Done()

	// Drain what we can before exiting.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if summary, err := fl.FlushOnce(drainCtx); err == nil {
		slog.Info("Final flush", "sent", summary.Sent, "pending", summary.Pending)
	}

	slog.Info("Publisher stopped")
}

// metricSink feeds simulated events into the pipeline and counts the
// outcomes. The collector may be nil.
type metricSink struct {
	pub       *publisher.Publisher
	collector *metrics.Collector
}

func (s *metricSink) Publish(ctx context.Context, ev event.Event) error {
	if s.collector != nil {
		s.collector.RecordReceived()
	}
	result, err := s.pub.Publish(ctx, ev)
	if err != nil {
		if s.collector != nil {
			s.collector.RecordError()
		}
		return err
	}
	if s.collector != nil && result.Outcome == sender.Acked {
		s.collector.RecordPublished()
	}
	return nil
}
