// Package config provides configuration parsing and validation for the
// publisher and ingestor services.
package config

import (
	"fmt"
	"time"

	"patiowatch/internal/shared"
)

// PublisherConfig holds all configuration parameters for the publisher service.
type PublisherConfig struct {
	BackendBaseURL string
	AuthBearer     string
	DeviceID       string
	PostgresDSN    string
	Store          string
	BatchSize      int
	MaxAttempts    int
	FlushInterval  time.Duration
	SendTimeout    time.Duration
	RedisAddr      string
	SimulatorRate  time.Duration
	Simulate       bool
}

// LoadPublisher builds a publisher config from environment variables
// with sensible defaults. Flags bound on top of this may override it.
func LoadPublisher() *PublisherConfig {
	return &PublisherConfig{
		BackendBaseURL: shared.GetEnvOrDefault("BACKEND_BASE_URL", "http://localhost:8080"),
		AuthBearer:     shared.GetEnvOrDefault("AUTH_BEARER", ""),
		DeviceID:       shared.GetEnvOrDefault("DEVICE_ID", "cam-gate-01"),
		PostgresDSN:    shared.GetEnvOrDefault("POSTGRES_DSN", ""),
		Store:          shared.GetEnvOrDefault("STORE", "memory"),
		BatchSize:      shared.GetEnvIntOrDefault("EVENT_BATCH_SIZE", 10),
		MaxAttempts:    shared.GetEnvIntOrDefault("EVENT_MAX_ATTEMPTS", 10),
		FlushInterval:  shared.GetEnvDurationOrDefault("FLUSH_INTERVAL", 2*time.Second),
		SendTimeout:    shared.GetEnvDurationOrDefault("SEND_TIMEOUT", 5*time.Second),
		RedisAddr:      shared.GetEnvOrDefault("REDIS_ADDR", ""),
		SimulatorRate:  shared.GetEnvDurationOrDefault("SIMULATOR_RATE", 10*time.Second),
		Simulate:       shared.GetEnvOrDefault("SIMULATE", "") == "true",
	}
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *PublisherConfig) Validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend-base-url cannot be empty")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device-id cannot be empty")
	}
	if c.Store != "memory" && c.Store != "postgres" {
		return fmt.Errorf("store must be memory or postgres, got %q", c.Store)
	}
	if c.Store == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty when store is postgres")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max-attempts must be > 0")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush-interval must be > 0")
	}
	return nil
}

// IngestorConfig holds all configuration parameters for the ingestor service.
type IngestorConfig struct {
	HTTPPort     string
	PostgresDSN  string
	Store        string
	KafkaBrokers string
	AlertTopic   string
	RedisAddr    string
}

// LoadIngestor builds an ingestor config from environment variables
// with sensible defaults.
func LoadIngestor() *IngestorConfig {
	return &IngestorConfig{
		HTTPPort:     shared.GetEnvOrDefault("HTTP_PORT", "8080"),
		PostgresDSN:  shared.GetEnvOrDefault("POSTGRES_DSN", ""),
		Store:        shared.GetEnvOrDefault("STORE", "memory"),
		KafkaBrokers: shared.GetEnvOrDefault("KAFKA_BROKERS", ""),
		AlertTopic:   shared.GetEnvOrDefault("ALERT_TOPIC", "alerts.new"),
		RedisAddr:    shared.GetEnvOrDefault("REDIS_ADDR", ""),
	}
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *IngestorConfig) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("http-port cannot be empty")
	}
	if c.Store != "memory" && c.Store != "postgres" {
		return fmt.Errorf("store must be memory or postgres, got %q", c.Store)
	}
	if c.Store == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty when store is postgres")
	}
	if c.KafkaBrokers != "" && c.AlertTopic == "" {
		return fmt.Errorf("alert-topic cannot be empty when kafka-brokers is set")
	}
	return nil
}
