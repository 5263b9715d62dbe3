package provider

import (
	"context"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
)

// Monitor periodically probes every probeable provider and folds the
// results into the manager's runtime state. It runs as a single goroutine
// independent of worker concurrency; probes and synthesis share no lock.
//
// A FAILED provider stays on the normal probe cadence so it can self-heal.
// There is no separate backoff for known-down providers; the interval is
// configurable, which bounds the load against them.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	met      *metrics.Metrics
	log      *logger.Logger
}

// NewMonitor creates a health monitor over the manager's providers.
func NewMonitor(
	manager *Manager,
	interval time.Duration,
	met *metrics.Metrics,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		manager:  manager,
		interval: interval,
		met:      met,
		log:      log,
	}
}

// Run sweeps once immediately, then on every interval tick until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every probeable provider once and publishes the resulting
// states to the metrics gauges. Probe failures are folded into provider
// state, never raised.
func (m *Monitor) Sweep(ctx context.Context) {
	results := m.manager.HealthCheckAll(ctx)

	for providerID, info := range results {
		m.met.ProviderChecked(providerID, info.Healthy)
	}

	for providerID, state := range m.manager.States() {
		m.met.ProviderStatus(providerID, state.Status)

		if state.Status == core.ProviderFailed {
			m.log.Warn(
				"provider %s is FAILED after %d consecutive failures: %s",
				providerID,
				state.ConsecutiveFailures,
				state.LastError,
			)
		}
	}
}

// CheckNow runs a single synchronous probe against one provider, outside
// the normal cadence.
func (m *Monitor) CheckNow(ctx context.Context, providerID string) (core.HealthInfo, error) {
	info, err := m.manager.ProbeOne(ctx, providerID)

	m.met.ProviderChecked(providerID, err == nil && info.Healthy)

	return info, err
}
