// Package provider implements the voice platform: the configuration
// registry, the per-provider lifecycle state machine, the health monitor,
// and the vendor adapters.
package provider

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Registry holds the configuration for every known provider. Reads resolve
// against an immutable map snapshot; writes clone the map under a writer
// mutex and atomically swap the snapshot, so readers never block on a
// writer and never observe a partial update.
type Registry struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]core.ProviderConfig]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	registry := &Registry{
		writeMu:  sync.Mutex{},
		snapshot: atomic.Pointer[map[string]core.ProviderConfig]{},
	}

	empty := make(map[string]core.ProviderConfig)
	registry.snapshot.Store(&empty)

	return registry
}

// Register adds a provider configuration, replacing any previous
// configuration for the same id.
func (r *Registry) Register(cfg core.ProviderConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: provider id is required", core.ErrInvalidConfig)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.clone()
	next[cfg.ID] = cloneConfig(cfg)
	r.snapshot.Store(&next)

	return nil
}

// UpdateConfig applies a partial configuration change and returns the new
// snapshot. Nil fields in the update leave the current value untouched.
// The swap is atomic with respect to concurrent readers.
func (r *Registry) UpdateConfig(providerID string, update core.ConfigUpdate) (core.ProviderConfig, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()

	cfg, ok := current[providerID]
	if !ok {
		return core.ProviderConfig{}, fmt.Errorf("%w: %q", core.ErrProviderNotFound, providerID)
	}

	merged := cloneConfig(cfg)

	if update.Enabled != nil {
		merged.Enabled = *update.Enabled
	}

	if update.Endpoint != nil {
		merged.Endpoint = *update.Endpoint
	}

	if update.Credentials != nil {
		merged.Credentials = *update.Credentials
	}

	if update.Extra != nil {
		merged.Extra = make(map[string]string, len(update.Extra))
		for key, value := range update.Extra {
			merged.Extra[key] = value
		}
	}

	next := r.clone()
	next[providerID] = merged
	r.snapshot.Store(&next)

	return cloneConfig(merged), nil
}

// GetConfig returns the current configuration snapshot for a provider.
func (r *Registry) GetConfig(providerID string) (core.ProviderConfig, error) {
	current := *r.snapshot.Load()

	cfg, ok := current[providerID]
	if !ok {
		return core.ProviderConfig{}, fmt.Errorf("%w: %q", core.ErrProviderNotFound, providerID)
	}

	return cloneConfig(cfg), nil
}

// List returns every registered provider id in sorted order.
func (r *Registry) List() []string {
	current := *r.snapshot.Load()

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// ListEnabled returns the ids of administratively enabled providers in
// sorted order.
func (r *Registry) ListEnabled() []string {
	current := *r.snapshot.Load()

	ids := make([]string, 0, len(current))

	for id, cfg := range current {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// clone copies the current snapshot map for a write. Callers must hold
// writeMu.
func (r *Registry) clone() map[string]core.ProviderConfig {
	current := *r.snapshot.Load()

	next := make(map[string]core.ProviderConfig, len(current)+1)
	for id, cfg := range current {
		next[id] = cfg
	}

	return next
}

// cloneConfig deep-copies a configuration so snapshot holders cannot mutate
// the registry's view through the Extra map.
func cloneConfig(cfg core.ProviderConfig) core.ProviderConfig {
	copied := cfg

	if cfg.Extra != nil {
		copied.Extra = make(map[string]string, len(cfg.Extra))
		for key, value := range cfg.Extra {
			copied.Extra[key] = value
		}
	}

	return copied
}
