package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus reports per-component health.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Errors     []string          `json:"errors"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) error

// HealthChecker aggregates component probes behind one HTTP endpoint.
// The pipeline registers a check per backend it depends on.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]HealthCheck)}
}

// Register adds or replaces a named component check.
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		Components: make(map[string]string, len(checks)),
		Errors:     []string{},
	}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status.Healthy = false
			status.Components[name] = err.Error()
			status.Errors = append(status.Errors, name+": "+err.Error())
			continue
		}
		status.Components[name] = "ok"
	}
	return status
}

// ServeHTTP answers health probes; unhealthy components yield a 503.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
