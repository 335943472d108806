// Package simulator provides a camera-device simulator that feeds
// anomaly events into the publishing pipeline. It is a development and
// load-testing event source; delivery guarantees live entirely in the
// pipeline it feeds.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"patiowatch/internal/event"
)

// EventSink receives simulated events. The publishing pipeline absorbs
// transient failures, so a returned error here means the event could
// not even be queued.
type EventSink interface {
	Publish(ctx context.Context, ev event.Event) error
}

// device is one simulated camera watching a parking slot.
type device struct {
	id     string
	slot   string
	motoID string
	plate  string
}

// anomalyTypes are emitted with equal probability; an empty type
// simulates older firmware that reports without classification.
var anomalyTypes = []string{
	event.TypeParkingOutOfSpot,
	event.TypeUnauthorizedMovement,
	event.TypeMissingMoto,
	event.TypeLowConfidence,
	"",
}

// Simulator emits events from a fixed fleet of simulated devices on a
// jittered interval until stopped.
type Simulator struct {
	sink     EventSink
	interval time.Duration
	rng      *rand.Rand

	mu      sync.Mutex
	devices []device
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a simulator with the given fleet size. A zero interval
// defaults to 10 seconds; a zero seed uses the current time.
func New(sink EventSink, fleetSize int, interval time.Duration, seed int64) *Simulator {
	if fleetSize <= 0 {
		fleetSize = 6
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	devices := make([]device, 0, fleetSize)
	for i := 0; i < fleetSize; i++ {
		devices = append(devices, device{
			id:     fmt.Sprintf("cam-%02d", i+1),
			slot:   fmt.Sprintf("A-%02d", i+1),
			motoID: fmt.Sprintf("MOTO_%03d", i+1),
			plate:  fmt.Sprintf("PTW-%04d", 1000+i),
		})
	}

	return &Simulator{
		sink:     sink,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		devices:  devices,
	}
}

// Start launches one emitter goroutine per device. Calling Start on a
// running simulator is a no-op.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	slog.Info("Starting device simulator", "devices", len(s.devices), "interval", s.interval)

	for _, d := range s.devices {
		s.wg.Add(1)
		go s.emitLoop(ctx, d)
	}
}

// Stop halts all emitters and waits for them to finish.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("Device simulator stopped")
}

func (s *Simulator) emitLoop(ctx context.Context, d device) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.jitteredInterval()):
		}

		ev := s.nextEvent(d)
		if err := s.sink.Publish(ctx, ev); err != nil {
			slog.Warn("Simulated event dropped", "device", d.id, "event_id", ev.ID, "error", err)
			continue
		}
		slog.Debug("Simulated event emitted", "device", d.id, "event_id", ev.ID, "type", ev.Type)
	}
}

// jitteredInterval spreads emitters so the fleet does not fire in
// lockstep.
func (s *Simulator) jitteredInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	half := int64(s.interval) / 2
	return time.Duration(half + s.rng.Int63n(half+1))
}

func (s *Simulator) nextEvent(d device) event.Event {
	s.mu.Lock()
	anomaly := anomalyTypes[s.rng.Intn(len(anomalyTypes))]
	confidence := 0.55 + s.rng.Float64()*0.45
	if anomaly == event.TypeLowConfidence {
		confidence = s.rng.Float64() * 0.5
	}
	s.mu.Unlock()

	ev := event.New(d.id, anomaly, confidence)
	ev.Metadata = map[string]string{
		"slot":   d.slot,
		"motoId": d.motoID,
		"plate":  d.plate,
	}
	return ev
}
