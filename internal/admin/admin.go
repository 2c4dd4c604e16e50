// Package admin serves the nebularpc admin HTTP API: health probes,
// Prometheus metrics, and a listing of live connections.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/health"
	"github.com/piwi3910/nebularpc/internal/ipc"
)

// ConnectionSource lists the server's connections.
type ConnectionSource interface {
	Connections() []ipc.ConnectionInfo
	RdmaConnections() int
	InFlightCount() int64
}

// ConnectionsResponse is the body of GET /api/v1/connections.
type ConnectionsResponse struct {
	Stream        []ipc.ConnectionInfo `json:"stream"`
	StreamCount   int                  `json:"stream_count"`
	RdmaCount     int                  `json:"rdma_count"`
	InFlightCalls int64                `json:"in_flight_calls"`
	NodeName      string               `json:"node_name"`
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewRouter builds the admin routes.
func NewRouter(nodeName string, checker *health.Checker, conns ConnectionSource) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	healthHandler := health.NewHandler(checker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health/detailed", healthHandler.DetailedHandler)
		r.Get("/connections", connectionsHandler(nodeName, conns))
	})

	return r
}

func connectionsHandler(nodeName string, conns ConnectionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stream := conns.Connections()
		if stream == nil {
			stream = []ipc.ConnectionInfo{}
		}

		resp := ConnectionsResponse{
			Stream:        stream,
			StreamCount:   len(stream),
			RdmaCount:     conns.RdmaConnections(),
			InFlightCalls: conns.InFlightCount(),
			NodeName:      nodeName,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Debug().Err(err).Str("component", "admin").Msg("Failed to write connections response")
		}
	}
}

// NewServer creates an admin server for addr.
func NewServer(addr string, router chi.Router) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	log.Info().Str("component", "admin").Str("address", ln.Addr().String()).Msg("Admin server started")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "admin").Msg("Admin server failed")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Name identifies the server in shutdown logs.
func (s *Server) Name() string {
	return "admin"
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
