package http

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// HealthCheck is one named probe. Critical failures make the process unhealthy,
// other failures only degrade it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// HealthHandler provides system health status endpoint
type HealthHandler struct {
	checks    []HealthCheck
	services  func() map[string]string
	startTime time.Time
	version   string
}

// NewHealthHandler creates a health handler. services may be nil.
func NewHealthHandler(version string, services func() map[string]string, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		services:  services,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Services  map[string]string      `json:"services,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ServeHTTP implements the health check endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Gather(r.Context())
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Gather runs every check and derives the overall status.
func (h *HealthHandler) Gather(ctx context.Context) HealthResponse {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		start := time.Now()
		err := c.Check(ctx)
		res := CheckResult{Status: "pass", Duration: time.Since(start)}
		if err != nil {
			res.Message = err.Error()
			res.Status = "warn"
			if c.Critical {
				res.Status = "fail"
				resp.Status = "unhealthy"
			} else if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
		resp.Checks[c.Name] = res
	}

	if h.services != nil {
		resp.Services = h.services()
		for _, st := range resp.Services {
			if st != "running" && resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	return resp
}
