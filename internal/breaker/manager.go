package breaker

import (
	"sync"

	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// Manager hands out one breaker per downstream service.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaults  Config
	overrides map[string]Config // per-service config, from the provider
	bus       events.Bus
	metrics   *metrics.Metrics
}

// NewManager creates a breaker manager. overrides may be nil.
func NewManager(defaults Config, overrides map[string]Config, bus events.Bus, m *metrics.Metrics) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults.withDefaults(),
		overrides: overrides,
		bus:       bus,
		metrics:   m,
	}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, ok = m.breakers[service]; ok {
		return b
	}

	cfg := m.defaults
	if override, ok := m.overrides[service]; ok {
		cfg = override.withDefaults()
	}
	b = New(service, cfg, m.bus, m.metrics)
	m.breakers[service] = b
	return b
}

// GetWith returns the breaker for a service, creating it with cfg when
// absent. An existing breaker keeps its original configuration.
func (m *Manager) GetWith(service string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}
	b = New(service, cfg.withDefaults(), m.bus, m.metrics)
	m.breakers[service] = b
	return b
}

// StateOf reports the state of a service's breaker without creating one.
// Unknown services are CLOSED.
func (m *Manager) StateOf(service string) State {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// OpenCount returns how many managed breakers are currently open.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, b := range m.breakers {
		if b.State() == StateOpen {
			n++
		}
	}
	return n
}

// Stats returns snapshots for all managed breakers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for service, b := range m.breakers {
		out[service] = b.Snapshot()
	}
	return out
}
