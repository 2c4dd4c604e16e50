package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebularpc/internal/health"
	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/scheduler"
)

type fixture struct {
	srv    *ipc.Server
	fifo   *scheduler.FIFO
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fifo, err := scheduler.New(scheduler.Config{Handlers: 2, QueueSize: 16}, scheduler.Echo)
	require.NoError(t, err)
	require.NoError(t, fifo.Start(context.Background()))

	cfg := ipc.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.ReaderThreads = 1

	srv, err := ipc.NewServer(cfg, fifo, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		_ = srv.Stop()
		_ = fifo.Stop()
	})

	checker := health.NewChecker(srv, fifo, nil)

	return &fixture{
		srv:    srv,
		fifo:   fifo,
		router: NewRouter("node-a", checker, srv),
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.get(t, "/health/live").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/health").Code)

	rec := f.get(t, "/api/v1/health/detailed")
	require.Equal(t, http.StatusOK, rec.Code)

	var status health.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, health.StatusHealthy, status.Status)
	assert.Contains(t, status.Checks, "ipc")
	assert.Contains(t, status.Checks, "scheduler")

	require.NoError(t, f.srv.StopAccepting())
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/health/live").Code)
}

func TestConnectionsRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/v1/connections")
	require.Equal(t, http.StatusOK, rec.Code)

	var empty ConnectionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Equal(t, 0, empty.StreamCount)
	assert.NotNil(t, empty.Stream)
	assert.Equal(t, "node-a", empty.NodeName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := ipc.Dial(ctx, f.srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(ctx, []byte("hello"))
	require.NoError(t, err)

	rec = f.get(t, "/api/v1/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ConnectionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.StreamCount)
	assert.Equal(t, "stream", resp.Stream[0].Transport)
	assert.Equal(t, 0, resp.RdmaCount)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nebularpc_scheduler_queue_depth")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/connections", nil)
	req.Header.Set("Origin", "http://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodGet))
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture(t)

	s := NewServer("127.0.0.1:0", f.router)
	require.NoError(t, s.Start())
	assert.Equal(t, "admin", s.Name())

	resp, err := http.Get("http://" + s.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr().String() + "/health/live")
	assert.Error(t, err)
}
