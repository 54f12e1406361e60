package features

import (
	"sort"
	"sync"

	"flashoffer-dispatch/internal/config"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags. Flags can be flipped at runtime; readers see
// the change on their next check.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates an empty feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// FromConfig registers every known flag with its configured value.
func FromConfig(cfg config.FeaturesConfig) *Manager {
	m := NewManager()
	m.Register(VenueCache, cfg.VenueCache, "cache venue rows between dispatches")
	m.Register(DispatchEvents, cfg.DispatchEvents, "publish dispatch lifecycle events")
	m.Register(GatewayPacing, cfg.GatewayPacing, "pace outbound gateway calls")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	return exists && flag.Enabled
}

// Check returns a closure over IsEnabled for components that only need one
// flag.
func (m *Manager) Check(name string) func() bool {
	return func() bool { return m.IsEnabled(name) }
}

// Set enables or disables a registered flag and reports whether it exists.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if exists {
		flag.Enabled = enabled
	}
	return exists
}

// GetAll returns a copy of all feature flags sorted by name.
func (m *Manager) GetAll() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Feature flag names
const (
	VenueCache     = "venue_cache"
	DispatchEvents = "dispatch_events"
	GatewayPacing  = "gateway_pacing"
)
