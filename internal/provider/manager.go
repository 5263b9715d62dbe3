package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// ErrProviderDisabled indicates a lifecycle operation was attempted against
// an administratively disabled provider.
var ErrProviderDisabled = errors.New("provider is disabled")

// AdapterFactory builds a live adapter from a configuration snapshot.
type AdapterFactory func(cfg core.ProviderConfig) (core.Adapter, error)

// runtime pairs a provider's mutable state with its adapter instance.
// The adapter is nil until InitializePlatform succeeds in building one.
type runtime struct {
	state   core.ProviderState
	adapter core.Adapter
}

// probeTarget is one provider the health monitor should probe.
type probeTarget struct {
	id      string
	adapter core.Adapter
}

// Manager orchestrates the registry, the adapters, and the health state.
// It owns every ProviderState transition except the probe-result
// transitions applied on its behalf by the health monitor.
type Manager struct {
	registry    *Registry
	factory     AdapterFactory
	priority    map[core.Domain][]string
	threshold   uint
	callTimeout time.Duration
	log         *logger.Logger

	mu       sync.RWMutex
	runtimes map[string]*runtime
}

// NewManager creates a platform manager. The priority map lists provider
// ids in selection order per domain; domains without an entry fall back to
// sorted registry order. threshold is the consecutive-failure count at
// which a provider transitions DEGRADED -> FAILED.
func NewManager(
	registry *Registry,
	factory AdapterFactory,
	priority map[core.Domain][]string,
	threshold uint,
	callTimeout time.Duration,
	log *logger.Logger,
) *Manager {
	if priority == nil {
		priority = make(map[core.Domain][]string)
	}

	return &Manager{
		registry:    registry,
		factory:     factory,
		priority:    priority,
		threshold:   threshold,
		callTimeout: callTimeout,
		log:         log,
		mu:          sync.RWMutex{},
		runtimes:    make(map[string]*runtime),
	}
}

// Register adds a provider configuration and seeds its runtime state as
// UNINITIALIZED.
func (m *Manager) Register(cfg core.ProviderConfig) error {
	err := m.registry.Register(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runtimes[cfg.ID]; !exists {
		m.runtimes[cfg.ID] = &runtime{
			state: core.ProviderState{
				Status:              core.ProviderUninitialized,
				ConsecutiveFailures: 0,
				LastError:           "",
				LastHealthCheckAt:   time.Time{},
			},
			adapter: nil,
		}
	}

	return nil
}

// Registry exposes the configuration registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CallTimeout returns the per-call deadline applied to adapter operations.
func (m *Manager) CallTimeout() time.Duration {
	return m.callTimeout
}

// InitializePlatform builds the provider's adapter and establishes its
// vendor session. On failure the provider is left FAILED and the error is
// reported; the manager never retries on its own — a reconciliation pass
// decides whether to try again.
func (m *Manager) InitializePlatform(ctx context.Context, providerID string) error {
	cfg, err := m.registry.GetConfig(providerID)
	if err != nil {
		return err
	}

	if !cfg.Enabled {
		return fmt.Errorf("%w: %q", ErrProviderDisabled, providerID)
	}

	m.setStatus(providerID, core.ProviderInitializing, "")

	adapter, err := m.factory(cfg)
	if err != nil {
		m.setStatus(providerID, core.ProviderFailed, err.Error())

		return fmt.Errorf("failed to build adapter for %q: %w", providerID, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	err = adapter.Connect(connectCtx)
	if err != nil {
		m.setStatus(providerID, core.ProviderFailed, err.Error())

		return fmt.Errorf("failed to connect provider %q: %w", providerID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.ensureRuntimeLocked(providerID)
	entry.adapter = adapter
	entry.state.Status = core.ProviderEnabled
	entry.state.LastError = ""

	return nil
}

// InitializeAll initializes every enabled provider and probes each success
// once so fresh providers become selectable immediately. Per-provider
// failures are logged and reported in the returned map, never fatal.
func (m *Manager) InitializeAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)

	for _, providerID := range m.registry.ListEnabled() {
		err := m.InitializePlatform(ctx, providerID)
		if err != nil {
			m.log.Error("initialize provider %s: %v", providerID, err)
			failures[providerID] = err

			continue
		}

		_, probeErr := m.ProbeOne(ctx, providerID)
		if probeErr != nil {
			m.log.Warn("initial probe for provider %s: %v", providerID, probeErr)
		}
	}

	return failures
}

// Reconcile re-attempts initialization for enabled providers that have no
// live adapter (never initialized, or connect failed). Intended to run on a
// periodic loop owned by the caller.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, providerID := range m.registry.ListEnabled() {
		if m.hasAdapter(providerID) {
			continue
		}

		err := m.InitializePlatform(ctx, providerID)
		if err != nil {
			m.log.Warn("reconcile provider %s: %v", providerID, err)

			continue
		}

		_, probeErr := m.ProbeOne(ctx, providerID)
		if probeErr != nil {
			m.log.Warn("reconcile probe for provider %s: %v", providerID, probeErr)
		}
	}
}

// SelectProvider picks a usable provider for the domain. A HEALTHY
// preferred provider wins; otherwise the first HEALTHY provider in the
// domain's priority order; otherwise the first DEGRADED one. FAILED and
// DISABLED providers are never returned.
func (m *Manager) SelectProvider(domain core.Domain, preferredID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if preferredID != "" {
		if entry, ok := m.runtimes[preferredID]; ok &&
			entry.state.Status == core.ProviderHealthy {
			return preferredID, nil
		}
	}

	order := m.selectionOrderLocked(domain)

	for _, providerID := range order {
		if entry, ok := m.runtimes[providerID]; ok &&
			entry.state.Status == core.ProviderHealthy {
			return providerID, nil
		}
	}

	for _, providerID := range order {
		if entry, ok := m.runtimes[providerID]; ok &&
			entry.state.Status == core.ProviderDegraded {
			return providerID, nil
		}
	}

	return "", fmt.Errorf("%w: domain %q", core.ErrNoProviderAvailable, domain)
}

// Adapter returns the live adapter for a provider.
func (m *Manager) Adapter(providerID string) (core.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.runtimes[providerID]
	if !ok || entry.adapter == nil {
		return nil, fmt.Errorf("%w: %q has no live adapter", core.ErrProviderNotFound, providerID)
	}

	return entry.adapter, nil
}

// SetEnabled flips the administrative enable flag. Disabling moves the
// provider to DISABLED immediately; re-enabling restores ENABLED when a
// live adapter exists (a probe then promotes it) and UNINITIALIZED
// otherwise.
func (m *Manager) SetEnabled(providerID string, enabled bool) (core.ProviderConfig, error) {
	cfg, err := m.registry.UpdateConfig(providerID, core.ConfigUpdate{
		Enabled:     &enabled,
		Endpoint:    nil,
		Credentials: nil,
		Extra:       nil,
	})
	if err != nil {
		return core.ProviderConfig{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.ensureRuntimeLocked(providerID)

	if !enabled {
		entry.state.Status = core.ProviderDisabled

		return cfg, nil
	}

	if entry.adapter != nil {
		entry.state.Status = core.ProviderEnabled
	} else {
		entry.state.Status = core.ProviderUninitialized
	}

	entry.state.ConsecutiveFailures = 0
	entry.state.LastError = ""

	return cfg, nil
}

// ApplyConfig applies a partial configuration update, adjusting the
// administrative state when the update carries an enable flip. Used by the
// admin service and the providers-file watcher.
func (m *Manager) ApplyConfig(providerID string, update core.ConfigUpdate) (core.ProviderConfig, error) {
	if update.Enabled != nil {
		remainder := update
		remainder.Enabled = nil

		if hasConfigChanges(remainder) {
			_, err := m.registry.UpdateConfig(providerID, remainder)
			if err != nil {
				return core.ProviderConfig{}, err
			}
		}

		return m.SetEnabled(providerID, *update.Enabled)
	}

	return m.registry.UpdateConfig(providerID, update)
}

// State returns a snapshot of one provider's runtime state.
func (m *Manager) State(providerID string) (core.ProviderState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.runtimes[providerID]
	if !ok {
		return core.ProviderState{}, fmt.Errorf("%w: %q", core.ErrProviderNotFound, providerID)
	}

	return entry.state, nil
}

// States returns a snapshot of every provider's runtime state.
func (m *Manager) States() map[string]core.ProviderState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]core.ProviderState, len(m.runtimes))
	for providerID, entry := range m.runtimes {
		states[providerID] = entry.state
	}

	return states
}

// ProbeOne runs a single health check against the provider and folds the
// result into its state. Returns the probe result.
func (m *Manager) ProbeOne(ctx context.Context, providerID string) (core.HealthInfo, error) {
	m.mu.RLock()
	entry, ok := m.runtimes[providerID]

	var adapter core.Adapter
	if ok {
		adapter = entry.adapter
	}
	m.mu.RUnlock()

	if !ok || adapter == nil {
		return core.HealthInfo{}, fmt.Errorf(
			"%w: %q has no live adapter",
			core.ErrProviderNotFound,
			providerID,
		)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	started := time.Now()

	info, err := adapter.HealthCheck(probeCtx)
	if err != nil {
		m.recordProbeFailure(providerID, err)

		return core.HealthInfo{
			Healthy:   false,
			Detail:    err.Error(),
			Latency:   time.Since(started),
			CheckedAt: time.Now(),
		}, err
	}

	if info.CheckedAt.IsZero() {
		info.CheckedAt = time.Now()
	}

	if info.Latency == 0 {
		info.Latency = time.Since(started)
	}

	m.recordProbeSuccess(providerID, info)

	return info, nil
}

// HealthCheckAll probes every probeable provider once and returns the
// results keyed by provider id. Probe failures are folded into provider
// state and reported as unhealthy entries, not errors.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]core.HealthInfo {
	results := make(map[string]core.HealthInfo)

	for _, target := range m.probeTargets() {
		info, err := m.ProbeOne(ctx, target.id)
		if err != nil {
			m.log.Warn("health check for provider %s: %v", target.id, err)
		}

		results[target.id] = info
	}

	return results
}

// CleanupAll tears down every live adapter and resets all registry entries
// to UNINITIALIZED. Invoked once at process shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for providerID, entry := range m.runtimes {
		if entry.adapter != nil {
			teardownCtx, cancel := context.WithTimeout(ctx, m.callTimeout)

			err := entry.adapter.Teardown(teardownCtx)

			cancel()

			if err != nil {
				m.log.Warn("teardown provider %s: %v", providerID, err)
			}
		}

		entry.adapter = nil
		entry.state = core.ProviderState{
			Status:              core.ProviderUninitialized,
			ConsecutiveFailures: 0,
			LastError:           "",
			LastHealthCheckAt:   entry.state.LastHealthCheckAt,
		}
	}
}

// recordProbeSuccess applies a successful probe: HEALTHY, failure counter
// reset, last error cleared.
func (m *Manager) recordProbeSuccess(providerID string, _ core.HealthInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.runtimes[providerID]
	if !ok {
		return
	}

	if !entry.state.Status.Probeable() {
		return
	}

	entry.state.Status = core.ProviderHealthy
	entry.state.ConsecutiveFailures = 0
	entry.state.LastError = ""
	entry.state.LastHealthCheckAt = time.Now()
}

// recordProbeFailure applies a failed probe: DEGRADED on the first failure,
// FAILED once the consecutive-failure threshold is reached.
func (m *Manager) recordProbeFailure(providerID string, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.runtimes[providerID]
	if !ok {
		return
	}

	if !entry.state.Status.Probeable() {
		return
	}

	entry.state.ConsecutiveFailures++
	entry.state.LastError = probeErr.Error()
	entry.state.LastHealthCheckAt = time.Now()

	if entry.state.ConsecutiveFailures >= m.threshold {
		entry.state.Status = core.ProviderFailed
	} else {
		entry.state.Status = core.ProviderDegraded
	}
}

// probeTargets lists the providers the health monitor should probe this
// cycle: probeable status and a live adapter.
func (m *Manager) probeTargets() []probeTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make([]probeTarget, 0, len(m.runtimes))

	for providerID, entry := range m.runtimes {
		if entry.adapter == nil || !entry.state.Status.Probeable() {
			continue
		}

		targets = append(targets, probeTarget{id: providerID, adapter: entry.adapter})
	}

	return targets
}

// selectionOrderLocked returns the provider scan order for a domain.
// Callers must hold at least a read lock.
func (m *Manager) selectionOrderLocked(domain core.Domain) []string {
	if order, ok := m.priority[domain]; ok && len(order) > 0 {
		return order
	}

	return m.registry.List()
}

// setStatus moves one provider to the given status, recording the error
// text that drove the transition.
func (m *Manager) setStatus(providerID string, status core.ProviderStatus, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.ensureRuntimeLocked(providerID)
	entry.state.Status = status
	entry.state.LastError = lastError
}

// ensureRuntimeLocked returns the runtime entry for a provider, creating an
// UNINITIALIZED one if needed. Callers must hold the write lock.
func (m *Manager) ensureRuntimeLocked(providerID string) *runtime {
	entry, ok := m.runtimes[providerID]
	if !ok {
		entry = &runtime{
			state: core.ProviderState{
				Status:              core.ProviderUninitialized,
				ConsecutiveFailures: 0,
				LastError:           "",
				LastHealthCheckAt:   time.Time{},
			},
			adapter: nil,
		}
		m.runtimes[providerID] = entry
	}

	return entry
}

// hasAdapter reports whether the provider has a live adapter.
func (m *Manager) hasAdapter(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.runtimes[providerID]

	return ok && entry.adapter != nil
}

// hasConfigChanges reports whether the update changes anything besides the
// enable flag.
func hasConfigChanges(update core.ConfigUpdate) bool {
	return update.Endpoint != nil || update.Credentials != nil || update.Extra != nil
}
