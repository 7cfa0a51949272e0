package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"voice-integrity-server/pkg/version"
)

// HealthChecker is one dependency probed by /health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc func(ctx context.Context) error

// Health calls f(ctx)
func (f HealthCheckFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines     int    `json:"goroutines"`
	MemoryMB       uint64 `json:"memory_mb"`
	CPUCount       int    `json:"cpu_count"`
	ActiveSessions int    `json:"active_sessions"`
	WebSockets     int    `json:"websocket_clients"`
}

// checkTimeout bounds each dependency probe
const checkTimeout = 2 * time.Second

// HealthHandler reports dependency health. Required dependencies make the
// service unhealthy when they fail; optional ones only degrade it.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check.checker.Health(ctx)
		cancel()

		if err == nil {
			health.Checks[name] = CheckResult{Status: "healthy"}
			continue
		}
		if check.required {
			health.Checks[name] = CheckResult{Status: "unhealthy", Message: err.Error()}
			health.Status = "unhealthy"
		} else {
			health.Checks[name] = CheckResult{Status: "degraded", Message: err.Error()}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	health.System = SystemInfo{
		GoRoutines: runtime.NumGoroutine(),
		MemoryMB:   mem.Alloc / 1024 / 1024,
		CPUCount:   runtime.NumCPU(),
	}
	if s.sessions != nil {
		health.System.ActiveSessions = s.sessions.Count()
	}
	if s.hub != nil {
		stats := s.hub.Stats()
		health.System.WebSockets = stats["session_clients"] + stats["monitor_clients"]
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// LivenessHandler reports that the process is serving
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
