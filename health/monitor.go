package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Checker reports the current status of one component.
type Checker func() Status

// Monitor polls registered checkers on demand.
type Monitor struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for name.
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = check
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// Get runs the checker for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checkers[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return normalize(name, check()), true
}

// ListComponents returns the registered names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth runs every checker and aggregates the results.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if status, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, status)
		}
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregate status as JSON; 503 when unhealthy.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)
		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

func normalize(name string, status Status) Status {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}
