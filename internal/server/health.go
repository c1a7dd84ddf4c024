// Package server exposes the object index over HTTP: read-only lookups,
// health probes and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of one named check.
type HealthCheck struct {
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse is the body of /health, /ready and /live.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker performs a health check.
type HealthChecker func(ctx context.Context) HealthCheck

// Health tracks readiness, liveness and registered checks.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]HealthChecker
	version string
	ready   bool
	live    bool
}

// NewHealth creates a live, not yet ready health tracker.
func NewHealth(version string) *Health {
	return &Health{
		checks:  make(map[string]HealthChecker),
		version: version,
		live:    true,
	}
}

// RegisterCheck adds or replaces a named check.
func (h *Health) RegisterCheck(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// SetReady marks the server as ready to accept traffic.
func (h *Health) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// SetLive marks the process as live (or not).
func (h *Health) SetLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = live
}

// Register mounts /health, /ready and /live on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.probe(func() bool { return h.ready }))
	mux.HandleFunc("GET /live", h.probe(func() bool { return h.live }))
}

// Run executes every check and folds them into one response.
func (h *Health) Run(ctx context.Context) HealthResponse {
	h.mu.RLock()
	checks := make(map[string]HealthChecker, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	version := h.version
	h.mu.RUnlock()

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Checks:    make([]HealthCheck, 0, len(checks)),
	}
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		check := checks[name](ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		switch {
		case check.Status == HealthStatusUnhealthy:
			response.Status = HealthStatusUnhealthy
		case check.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy:
			response.Status = HealthStatusDegraded
		}
	}
	return response
}

func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := h.Run(ctx)
	status := http.StatusOK
	if response.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *Health) probe(get func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ok := get()
		h.mu.RUnlock()

		response := HealthResponse{Status: HealthStatusHealthy, Timestamp: time.Now().UTC()}
		if !ok {
			response.Status = HealthStatusUnhealthy
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// IndexHealthChecker reports whether the index directory under basePath can
// be written. An empty base path is degraded: the index is inert.
func IndexHealthChecker(basePath, indexDir string) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		if basePath == "" {
			return HealthCheck{Status: HealthStatusDegraded, Message: "no base path configured"}
		}
		details := map[string]string{"path": filepath.Join(basePath, indexDir)}
		fi, err := os.Stat(basePath)
		if err != nil || !fi.IsDir() {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: "base path is not a directory", Details: details}
		}
		probe, err := os.CreateTemp(basePath, ".alindex-probe-*")
		if err != nil {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: "base path is not writable: " + err.Error(), Details: details}
		}
		probe.Close()
		os.Remove(probe.Name())
		return HealthCheck{Status: HealthStatusHealthy, Message: "index writable", Details: details}
	}
}

// DependencyHealthChecker wraps a connectivity probe for an optional
// dependency. Failures degrade rather than fail the service, since the file
// index works without it.
func DependencyHealthChecker(name string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		if checkFn == nil {
			return HealthCheck{Status: HealthStatusHealthy, Message: name + " not configured"}
		}
		if err := checkFn(ctx); err != nil {
			return HealthCheck{Status: HealthStatusDegraded, Message: fmt.Sprintf("%s unavailable: %v", name, err)}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: name + " OK"}
	}
}
