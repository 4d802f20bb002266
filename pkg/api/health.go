package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the overall health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents the result of a single health check
type CheckResult struct {
	Status   HealthStatus  `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthChecker is one named component check.
type HealthChecker interface {
	Name() string
	Check() CheckResult
}

// StatusProvider is what the API needs from the running service.
type StatusProvider interface {
	// Healthy reports whether changes are still flowing, with a reason when not.
	Healthy() (bool, string)
	// Status returns a JSON-encodable snapshot.
	Status() interface{}
}

// consumerChecker adapts a StatusProvider to HealthChecker.
type consumerChecker struct {
	provider StatusProvider
}

func (c consumerChecker) Name() string { return "consumer" }

func (c consumerChecker) Check() CheckResult {
	ok, reason := c.provider.Healthy()
	if !ok {
		return CheckResult{Status: HealthStatusUnhealthy, Message: reason}
	}
	return CheckResult{Status: HealthStatusHealthy}
}

// HealthService aggregates checks. Any unhealthy check makes the service unhealthy.
type HealthService struct {
	checkers  []HealthChecker
	startTime time.Time
	version   string
}

func NewHealthService(version string, checkers ...HealthChecker) *HealthService {
	return &HealthService{
		checkers:  checkers,
		startTime: time.Now(),
		version:   version,
	}
}

// PerformHealthCheck executes all registered health checks
func (h *HealthService) PerformHealthCheck() HealthResponse {
	checks := make(map[string]CheckResult, len(h.checkers))
	overall := HealthStatusHealthy

	for _, checker := range h.checkers {
		start := time.Now()
		result := checker.Check()
		result.Duration = time.Since(start)
		checks[checker.Name()] = result

		if result.Status != HealthStatusHealthy {
			overall = HealthStatusUnhealthy
		}
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}
}

// ServeHTTP implements the http.Handler interface for health checks
func (h *HealthService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := h.PerformHealthCheck()
	code := http.StatusOK
	if resp.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, code, resp)

	log.Debug().
		Str("status", string(resp.Status)).
		Int("status_code", code).
		Str("remote_addr", r.RemoteAddr).
		Msg("Health check request completed")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
