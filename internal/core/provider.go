package core

import "time"

// ProviderStatus is the lifecycle and health state of one synthesis
// provider. Transitions are driven only by the platform manager and the
// health monitor; everyone else reads snapshots.
type ProviderStatus string

// Provider lifecycle states.
const (
	ProviderUninitialized ProviderStatus = "UNINITIALIZED"
	ProviderInitializing  ProviderStatus = "INITIALIZING"
	ProviderEnabled       ProviderStatus = "ENABLED"
	ProviderDisabled      ProviderStatus = "DISABLED"
	ProviderHealthy       ProviderStatus = "HEALTHY"
	ProviderDegraded      ProviderStatus = "DEGRADED"
	ProviderFailed        ProviderStatus = "FAILED"
)

// Selectable reports whether the manager may route work to a provider in
// this state. FAILED and DISABLED are never selectable.
func (s ProviderStatus) Selectable() bool {
	return s == ProviderHealthy || s == ProviderDegraded
}

// Probeable reports whether the health monitor should probe a provider in
// this state. A FAILED provider keeps its place in the probe cycle so it
// can self-heal on the normal cadence.
func (s ProviderStatus) Probeable() bool {
	switch s {
	case ProviderEnabled, ProviderHealthy, ProviderDegraded, ProviderFailed:
		return true
	case ProviderUninitialized, ProviderInitializing, ProviderDisabled:
		return false
	default:
		return false
	}
}

// Credentials are the opaque, provider-specific secrets needed to reach a
// vendor. Fields a vendor does not use stay empty.
type Credentials struct {
	Key    string `toml:"key"    json:"key,omitempty"`
	Secret string `toml:"secret" json:"secret,omitempty"`
	Region string `toml:"region" json:"region,omitempty"`
}

// ProviderConfig is the registry-owned configuration for one provider.
// Instances are treated as immutable snapshots; updates replace the whole
// value rather than mutating it in place.
type ProviderConfig struct {
	ID          string            `toml:"id"       json:"id"`
	Enabled     bool              `toml:"enabled"  json:"enabled"`
	Endpoint    string            `toml:"endpoint" json:"endpoint"`
	Credentials Credentials       `toml:"credentials" json:"credentials"`
	Extra       map[string]string `toml:"extra"    json:"extra,omitempty"`
}

// ConfigUpdate is a partial provider configuration change. Nil fields are
// left untouched; Enabled is a pointer so "unset" and "false" stay distinct.
type ConfigUpdate struct {
	Enabled     *bool             `json:"enabled,omitempty"`
	Endpoint    *string           `json:"endpoint,omitempty"`
	Credentials *Credentials      `json:"credentials,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ProviderState is the runtime state of one provider: the single source of
// truth for usability decisions.
type ProviderState struct {
	Status              ProviderStatus `json:"status"`
	ConsecutiveFailures uint           `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	LastHealthCheckAt   time.Time      `json:"last_health_check_at"`
}
