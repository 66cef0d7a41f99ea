package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check reports the current status of one component.
type Check func() Status

// Monitor evaluates registered checks on demand. It is safe for
// concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
	}
}

// Register adds or replaces the check for name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Get runs the check for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return run(name, check), true
}

// ListComponents returns the registered names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth runs every check and aggregates the results in
// component name order.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()

	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, s)
		}
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregated status as JSON. Unhealthy answers 503;
// healthy and degraded answer 200.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

// run evaluates check, converting a panic into an unhealthy status.
func run(name string, check Check) (s Status) {
	defer func() {
		if r := recover(); r != nil {
			s = NewUnhealthy(name, "health check panicked")
		}
	}()

	s = check()
	s.Component = name
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s
}
