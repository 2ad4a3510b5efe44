// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package health polls component probes on an interval, caches the
// aggregate snapshot for /healthz, and pushes it to hub subscribers.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/logging"
)

// State is a component health verdict.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is one probe's answer.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Healthy is the all-clear status.
func Healthy() Status { return Status{State: StateHealthy} }

// Degraded reports reduced service with a reason.
func Degraded(detail string) Status { return Status{State: StateDegraded, Detail: detail} }

// Unhealthy reports a failing component with a reason.
func Unhealthy(detail string) Status { return Status{State: StateUnhealthy, Detail: detail} }

// Prober is implemented by every supervised component.
type Prober interface {
	Name() string
	Health(ctx context.Context) Status
}

// ProbeFunc adapts a function to Prober.
func ProbeFunc(name string, fn func(ctx context.Context) Status) Prober {
	return probeFunc{name: name, fn: fn}
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) Status
}

func (p probeFunc) Name() string                      { return p.name }
func (p probeFunc) Health(ctx context.Context) Status { return p.fn(ctx) }

// Metrics is the processing snapshot embedded in every health report.
type Metrics struct {
	QueueSize           int    `json:"queue_size"`
	OldestAgeMs         int64  `json:"oldest_age_ms"`
	ProcessedCount      uint64 `json:"processed_count"`
	FailedCount         uint64 `json:"failed_count"`
	AvgProcessingTimeMs int64  `json:"avg_processing_time_ms"`
	ActiveConnections   int    `json:"active_connections"`
}

// Snapshot is one aggregation cycle's output.
type Snapshot struct {
	State      State             `json:"state"`
	Components map[string]Status `json:"components"`
	Metrics    Metrics           `json:"metrics"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Publisher receives each cycle's snapshot, satisfied by hub.Hub.
type Publisher interface {
	PublishHealth(snapshot interface{})
}

const probeTimeout = 5 * time.Second

// Aggregator owns the poll loop and the cached snapshot.
type Aggregator struct {
	interval  time.Duration
	probers   []Prober
	metricsFn func() Metrics
	publisher Publisher

	mu       sync.RWMutex
	snapshot *Snapshot
}

// New builds an aggregator. metricsFn and publisher may be nil.
func New(interval time.Duration, probers []Prober, metricsFn func() Metrics, publisher Publisher) *Aggregator {
	return &Aggregator{
		interval:  interval,
		probers:   probers,
		metricsFn: metricsFn,
		publisher: publisher,
	}
}

// Serve polls until ctx is canceled. Implements suture.Service.
func (a *Aggregator) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", a.interval).Int("probes", len(a.probers)).Msg("health aggregator started")
	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("health aggregator stopped")
			return ctx.Err()
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Aggregator) String() string { return "health-aggregator" }

func (a *Aggregator) cycle(ctx context.Context) {
	snap := a.collect(ctx)

	a.mu.Lock()
	a.snapshot = snap
	a.mu.Unlock()

	if snap.State != StateHealthy {
		names := make([]string, 0)
		for name, st := range snap.Components {
			if st.State != StateHealthy {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		logging.Warn().Strs("components", names).Str("state", string(snap.State)).Msg("health degraded")
	}
	if a.publisher != nil {
		a.publisher.PublishHealth(snap)
	}
}

func (a *Aggregator) collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		State:      StateHealthy,
		Components: make(map[string]Status, len(a.probers)),
		CheckedAt:  time.Now().UTC(),
	}
	for _, p := range a.probers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		st := p.Health(probeCtx)
		cancel()

		snap.Components[p.Name()] = st
		switch st.State {
		case StateUnhealthy:
			snap.State = StateUnhealthy
		case StateDegraded:
			if snap.State == StateHealthy {
				snap.State = StateDegraded
			}
		}
	}
	if a.metricsFn != nil {
		snap.Metrics = a.metricsFn()
	}
	return snap
}

// Snapshot returns the cached report, collecting one synchronously if no
// cycle has run yet.
func (a *Aggregator) Snapshot(ctx context.Context) *Snapshot {
	a.mu.RLock()
	snap := a.snapshot
	a.mu.RUnlock()
	if snap != nil {
		return snap
	}
	return a.collect(ctx)
}

// ServeHTTP is the GET /healthz endpoint: 200 for healthy or degraded,
// 503 when any component is unhealthy.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := a.Snapshot(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if snap.State == StateUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		logging.Err(err).Msg("healthz encode failed")
	}
}
