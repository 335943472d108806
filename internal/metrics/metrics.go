// Package metrics collects per-process counters and periodically
// reports them to Redis so operators can see both halves of the
// pipeline in one place.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for service metrics.
	KeyPrefix = "metrics:"
	// TTL is how long metrics stay in Redis if not refreshed.
	TTL = 2 * time.Minute
	// DefaultReportInterval is the default interval for writing
	// metrics to Redis.
	DefaultReportInterval = 30 * time.Second
)

// Snapshot is the JSON shape written to Redis for one service.
type Snapshot struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`

	EventsReceived  uint64 `json:"events_received"`
	EventsIngested  uint64 `json:"events_ingested"`
	IdempotentHits  uint64 `json:"idempotent_hits"`
	AlertsPublished uint64 `json:"alerts_published"`
	Errors          uint64 `json:"errors"`

	CustomCounters map[string]uint64 `json:"custom_counters,omitempty"`
}

// Collector accumulates counters for one service and reports them.
// All recording methods are safe for concurrent use.
type Collector struct {
	serviceName    string
	redis          *redis.Client
	startedAt      time.Time
	reportInterval time.Duration

	eventsReceived  atomic.Uint64
	eventsIngested  atomic.Uint64
	idempotentHits  atomic.Uint64
	alertsPublished atomic.Uint64
	errors          atomic.Uint64

	customMu       sync.RWMutex
	customCounters map[string]*atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector for a service. The Redis client may
// be nil, in which case recording works but nothing is reported.
func NewCollector(serviceName string, redisClient *redis.Client) *Collector {
	return &Collector{
		serviceName:    serviceName,
		redis:          redisClient,
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		customCounters: make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval overrides the reporting interval.
func (c *Collector) SetReportInterval(interval time.Duration) {
	c.reportInterval = interval
}

// Start begins periodic reporting until the context is cancelled or
// Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.report(context.Background())
				return
			case <-c.stopCh:
				c.report(context.Background())
				return
			case <-ticker.C:
				c.report(ctx)
			}
		}
	}()
}

// Stop halts reporting after a final write.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RecordReceived counts one inbound event.
func (c *Collector) RecordReceived() { c.eventsReceived.Add(1) }

// RecordIngested counts one first-sight materialization.
func (c *Collector) RecordIngested() { c.eventsIngested.Add(1) }

// RecordIdempotentHit counts one duplicate delivery collapsed by the
// ledger.
func (c *Collector) RecordIdempotentHit() { c.idempotentHits.Add(1) }

// RecordPublished counts one alert fanned out downstream.
func (c *Collector) RecordPublished() { c.alertsPublished.Add(1) }

// RecordError counts one processing error.
func (c *Collector) RecordError() { c.errors.Add(1) }

// IncrementCustom increments a named counter.
func (c *Collector) IncrementCustom(name string) {
	c.AddCustom(name, 1)
}

// AddCustom adds a value to a named counter.
func (c *Collector) AddCustom(name string, value uint64) {
	c.customMu.RLock()
	counter, exists := c.customCounters[name]
	c.customMu.RUnlock()

	if !exists {
		c.customMu.Lock()
		if counter, exists = c.customCounters[name]; !exists {
			counter = &atomic.Uint64{}
			c.customCounters[name] = counter
		}
		c.customMu.Unlock()
	}
	counter.Add(value)
}

// GetSnapshot returns the current counters without touching Redis.
func (c *Collector) GetSnapshot() *Snapshot {
	c.customMu.RLock()
	custom := make(map[string]uint64, len(c.customCounters))
	for name, counter := range c.customCounters {
		custom[name] = counter.Load()
	}
	c.customMu.RUnlock()

	return &Snapshot{
		ServiceName:     c.serviceName,
		StartedAt:       c.startedAt,
		LastUpdated:     time.Now().UTC(),
		Status:          "healthy",
		EventsReceived:  c.eventsReceived.Load(),
		EventsIngested:  c.eventsIngested.Load(),
		IdempotentHits:  c.idempotentHits.Load(),
		AlertsPublished: c.alertsPublished.Load(),
		Errors:          c.errors.Load(),
		CustomCounters:  custom,
	}
}

// report writes the current snapshot to Redis.
func (c *Collector) report(ctx context.Context) {
	if c.redis == nil {
		return
	}

	data, err := json.Marshal(c.GetSnapshot())
	if err != nil {
		slog.Error("Failed to marshal metrics", "service", c.serviceName, "error", err)
		return
	}

	key := KeyPrefix + c.serviceName
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Error("Failed to write metrics to Redis", "service", c.serviceName, "error", err)
	}
}

// Read retrieves a service's last reported snapshot from Redis.
// Snapshots older than the TTL are reported as unhealthy.
func Read(ctx context.Context, client *redis.Client, serviceName string) (*Snapshot, error) {
	data, err := client.Get(ctx, KeyPrefix+serviceName).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no metrics found for service: %s", serviceName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if time.Since(snap.LastUpdated) > TTL {
		snap.Status = "unhealthy"
	}
	return &snap, nil
}
