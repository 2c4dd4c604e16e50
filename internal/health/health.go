// Package health provides health check endpoints for nebularpc.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the server accepting connections?)
//
// The detailed check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "ipc": {"status": "healthy"},
//	    "scheduler": {"status": "degraded", "message": "queue 95% full"},
//	    "rdma": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// ServerProbe is the view of the IPC server the checker needs.
type ServerProbe interface {
	Running() bool
	InFlightCount() int64
}

// QueueProbe is the view of the call scheduler the checker needs.
type QueueProbe interface {
	Len() int
	Cap() int
}

// NativeProbe is the view of the RDMA context the checker needs.
type NativeProbe interface {
	Ready() bool
	OpenHandles() int
}

// Queue fill ratio at which the scheduler check reports degraded.
const queueDegradedRatio = 0.9

// Checker performs health checks on the system. Nil probes are not
// checked.
type Checker struct {
	cacheExpiry  time.Time
	server       ServerProbe
	queue        QueueProbe
	native       NativeProbe
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(server ServerProbe, queue QueueProbe, native NativeProbe) *Checker {
	return &Checker{
		server:   server,
		queue:    queue,
		native:   native,
		cacheTTL: time.Second,
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := map[string]Check{
		"ipc": c.CheckServer(ctx),
	}

	if c.queue != nil {
		checks["scheduler"] = c.CheckScheduler(ctx)
	}

	if c.native != nil {
		checks["rdma"] = c.CheckNative(ctx)
	}

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckServer checks that the IPC server accepts connections.
func (c *Checker) CheckServer(_ context.Context) Check {
	if c.server == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "ipc server not initialized",
		}
	}

	if !c.server.Running() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "ipc server is not accepting connections",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d calls in flight", c.server.InFlightCount()),
	}
}

// CheckScheduler reports degraded when the call queue is nearly full.
func (c *Checker) CheckScheduler(_ context.Context) Check {
	capacity := c.queue.Cap()
	if capacity == 0 {
		return Check{Status: StatusHealthy}
	}

	fill := float64(c.queue.Len()) / float64(capacity)
	if fill >= queueDegradedRatio {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("queue %.0f%% full", fill*100),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d of %d queued", c.queue.Len(), capacity),
	}
}

// CheckNative checks the RDMA context.
func (c *Checker) CheckNative(_ context.Context) Check {
	if !c.native.Ready() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "rdma context is not initialized",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d open handles", c.native.OpenHandles()),
	}
}

// IsReady checks if the service is ready to accept requests.
func (c *Checker) IsReady(_ context.Context) bool {
	return c.server != nil && c.server.Running()
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// DetailedHandler handles detailed health check requests. Degraded still
// answers 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
