package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockServer struct {
	running  bool
	inFlight int64
}

func (m *mockServer) Running() bool        { return m.running }
func (m *mockServer) InFlightCount() int64 { return m.inFlight }

type mockQueue struct {
	length   int
	capacity int
}

func (m *mockQueue) Len() int { return m.length }
func (m *mockQueue) Cap() int { return m.capacity }

type mockNative struct {
	ready   bool
	handles int
}

func (m *mockNative) Ready() bool      { return m.ready }
func (m *mockNative) OpenHandles() int { return m.handles }

func TestCheckServer(t *testing.T) {
	tests := []struct {
		name   string
		server ServerProbe
		want   Status
	}{
		{name: "not initialized", server: nil, want: StatusUnhealthy},
		{name: "stopped", server: &mockServer{running: false}, want: StatusUnhealthy},
		{name: "running", server: &mockServer{running: true, inFlight: 3}, want: StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.server, nil, nil)
			assert.Equal(t, tt.want, c.CheckServer(context.Background()).Status)
		})
	}
}

func TestCheckScheduler(t *testing.T) {
	tests := []struct {
		name  string
		queue *mockQueue
		want  Status
	}{
		{name: "empty", queue: &mockQueue{length: 0, capacity: 100}, want: StatusHealthy},
		{name: "below threshold", queue: &mockQueue{length: 89, capacity: 100}, want: StatusHealthy},
		{name: "at threshold", queue: &mockQueue{length: 90, capacity: 100}, want: StatusDegraded},
		{name: "full", queue: &mockQueue{length: 100, capacity: 100}, want: StatusDegraded},
		{name: "zero capacity", queue: &mockQueue{}, want: StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(&mockServer{running: true}, tt.queue, nil)
			assert.Equal(t, tt.want, c.CheckScheduler(context.Background()).Status)
		})
	}
}

func TestCheckNative(t *testing.T) {
	c := NewChecker(&mockServer{running: true}, nil, &mockNative{ready: false})
	assert.Equal(t, StatusUnhealthy, c.CheckNative(context.Background()).Status)

	c = NewChecker(&mockServer{running: true}, nil, &mockNative{ready: true, handles: 2})
	check := c.CheckNative(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "2 open handles", check.Message)
}

func TestCheckOverallStatus(t *testing.T) {
	c := NewChecker(&mockServer{running: true}, &mockQueue{length: 95, capacity: 100}, &mockNative{ready: true})
	status := c.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Len(t, status.Checks, 3)

	c = NewChecker(&mockServer{running: false}, &mockQueue{length: 95, capacity: 100}, nil)
	status = c.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, status.Status, "unhealthy wins over degraded")
	assert.NotContains(t, status.Checks, "rdma")
}

func TestCheckIsCached(t *testing.T) {
	server := &mockServer{running: true}
	c := NewChecker(server, nil, nil)
	c.cacheTTL = time.Hour

	first := c.Check(context.Background())
	server.running = false

	assert.Same(t, first, c.Check(context.Background()))

	c.cacheTTL = 0
	c.cacheExpiry = time.Time{}
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	server := &mockServer{running: true}
	h := NewHandler(NewChecker(server, nil, nil))
	h.checker.cacheTTL = 0

	tests := []struct {
		name    string
		handler http.HandlerFunc
		running bool
		code    int
		status  string
	}{
		{name: "live", handler: h.LivenessHandler, running: false, code: http.StatusOK, status: "ok"},
		{name: "ready", handler: h.ReadinessHandler, running: true, code: http.StatusOK, status: "ready"},
		{name: "not ready", handler: h.ReadinessHandler, running: false, code: http.StatusServiceUnavailable, status: "not ready"},
		{name: "health", handler: h.HealthHandler, running: true, code: http.StatusOK, status: "healthy"},
		{name: "unhealthy", handler: h.HealthHandler, running: false, code: http.StatusServiceUnavailable, status: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server.running = tt.running

			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestDetailedHandler(t *testing.T) {
	h := NewHandler(NewChecker(&mockServer{running: true}, &mockQueue{length: 99, capacity: 100}, nil))

	rec := httptest.NewRecorder()
	h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "degraded still answers 200")

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks["scheduler"].Status)
	assert.Equal(t, "queue 99% full", status.Checks["scheduler"].Message)
}
