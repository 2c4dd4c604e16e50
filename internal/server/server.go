package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebularpc/internal/admin"
	"github.com/piwi3910/nebularpc/internal/config"
	"github.com/piwi3910/nebularpc/internal/health"
	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/scheduler"
	"github.com/piwi3910/nebularpc/internal/shutdown"
	"github.com/piwi3910/nebularpc/internal/transport/rdma"
)

// Version is the current version of nebularpc
const Version = "0.1.0"

// Interval between pool maintenance passes.
const maintenanceInterval = 30 * time.Second

// Server is the nebularpc process: the IPC server, its scheduler, the
// optional RDMA context and the admin API.
type Server struct {
	cfg *config.Config

	// Transport
	native *rdma.Context
	pool   *rdma.ConnPool
	ipc    *ipc.Server

	fifo *scheduler.FIFO

	healthChecker *health.Checker
	adminServer   *admin.Server

	coordinator *shutdown.Coordinator
	started     chan struct{}
}

// New creates a nebularpc server. A nil handler echoes every request.
func New(cfg *config.Config, handler scheduler.Handler) (*Server, error) {
	if handler == nil {
		handler = scheduler.Echo
	}

	srv := &Server{
		cfg:     cfg,
		started: make(chan struct{}),
		coordinator: shutdown.NewCoordinator(shutdown.Config{
			TotalTimeout:     cfg.Shutdown.TotalTimeout,
			DrainTimeout:     cfg.Shutdown.DrainTimeout,
			ComponentTimeout: shutdown.DefaultConfig().ComponentTimeout,
			HTTPTimeout:      shutdown.DefaultConfig().HTTPTimeout,
			ForceTimeout:     shutdown.DefaultConfig().ForceTimeout,
		}),
	}

	var err error

	srv.fifo, err = scheduler.New(cfg.FIFOConfig(), handler)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	var acceptor ipc.Acceptor

	if cfg.RDMA.Enabled {
		acceptor, err = srv.setupNative()
		if err != nil {
			return nil, err
		}
	}

	srv.ipc, err = ipc.NewServer(cfg.IPCServerConfig(), srv.fifo, acceptor)
	if err != nil {
		srv.destroyNative()
		return nil, fmt.Errorf("failed to create ipc server: %w", err)
	}

	if srv.native != nil {
		srv.healthChecker = health.NewChecker(srv.ipc, srv.fifo, srv.native)
	} else {
		srv.healthChecker = health.NewChecker(srv.ipc, srv.fifo, nil)
	}

	if cfg.Admin.Enabled {
		router := admin.NewRouter(cfg.NodeName, srv.healthChecker, srv.ipc)
		srv.adminServer = admin.NewServer(cfg.AdminAddress(), router)
	}

	return srv, nil
}

func (s *Server) setupNative() (ipc.Acceptor, error) {
	s.native = rdma.NewContext(s.cfg.RDMAContextConfig(), nil)

	if err := s.native.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize rdma context: %w", err)
	}

	l, err := s.native.Bind(s.cfg.RDMA.Port)
	if err != nil {
		s.destroyNative()
		return nil, fmt.Errorf("failed to bind rdma port %d: %w", s.cfg.RDMA.Port, err)
	}

	s.pool = rdma.NewConnPool(s.native.Connect)

	return ipc.NewRdmaAcceptor(l), nil
}

func (s *Server) destroyNative() {
	if s.native == nil {
		return
	}

	if err := s.native.Destroy(); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("Failed to destroy rdma context")
	}
}

// Start starts every component and blocks until ctx is done, then shuts
// the server down.
func (s *Server) Start(ctx context.Context) error {
	// Components stop through Shutdown, in order, not through ctx.
	runCtx := context.WithoutCancel(ctx)

	if err := s.fifo.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := s.ipc.Start(runCtx); err != nil {
		_ = s.fifo.Stop()
		s.destroyNative()

		return fmt.Errorf("failed to start ipc server: %w", err)
	}

	if s.adminServer != nil {
		if err := s.adminServer.Start(); err != nil {
			_ = s.ipc.Stop()
			_ = s.fifo.Stop()
			s.destroyNative()

			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	log.Info().
		Str("component", "server").
		Str("node", s.cfg.NodeName).
		Str("address", s.ipc.Addr().String()).
		Bool("rdma", s.native != nil).
		Msg("nebularpc server started")

	close(s.started)

	g, gctx := errgroup.WithContext(ctx)

	if s.pool != nil {
		g.Go(func() error {
			s.runPoolMaintenance(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		// The caller's ctx is already done.
		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Started is closed once Start has brought every component up.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

// Shutdown stops every component through the shutdown coordinator.
func (s *Server) Shutdown(ctx context.Context) error {
	components := shutdown.ShutdownComponents{
		Listeners:       []shutdown.ListenerStopper{s.ipc},
		InFlightTracker: s.ipc,
		Server:          s.ipc,
		Scheduler:       s.fifo,
	}

	if s.adminServer != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{s.adminServer}
	}

	if s.native != nil {
		components.ConnPools = []shutdown.PoolDrainer{s.pool}
		components.NativeContext = s.native
	}

	if err := s.coordinator.Shutdown(ctx, components); err != nil {
		return err
	}

	if errs := s.coordinator.Errors(); len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}

	return nil
}

// runPoolMaintenance closes pooled RDMA connections nobody holds.
func (s *Server) runPoolMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.pool.Shrink(); removed > 0 {
				log.Debug().Str("component", "server").Int("removed", removed).Msg("Shrunk rdma connection pool")
			}
		}
	}
}

// IPC returns the IPC server.
func (s *Server) IPC() *ipc.Server {
	return s.ipc
}

// Pool returns the RDMA client connection pool, or nil when RDMA is
// disabled.
func (s *Server) Pool() *rdma.ConnPool {
	return s.pool
}

// AdminServer returns the admin HTTP server, or nil when disabled.
func (s *Server) AdminServer() *admin.Server {
	return s.adminServer
}

// HealthChecker returns the health checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}
