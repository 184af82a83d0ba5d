// Package health runs named subsystem probes for the health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Each probe gets its own deadline so one stuck dependency cannot
// stall the readiness endpoint.
const probeTimeout = 2 * time.Second

// Status is the outcome of a single subsystem probe.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Checker
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Checker)}
}

// Register adds a probe under name. Re-registering a name replaces the
// previous probe but keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = check
}

// CheckAll runs every probe in registration order and reports whether all
// subsystems are healthy, with per-probe results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make([]Checker, 0, len(names))
	for _, n := range names {
		checks = append(checks, r.byName[n])
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))

	for i, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		st := check(probeCtx)
		cancel()

		st.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		if st.Name == "" {
			st.Name = names[i]
		}
		statuses[i] = st
		if !st.Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
