// Package ipc is the server side of the nebularpc transport.
//
// A Listener accepts stream connections and deals them round-robin to a
// pool of Readers. Each Reader decodes length-prefixed frames and hands
// every frame to the Scheduler as a Call. When RDMA is enabled an
// RdmaListener does the same for native connections, whose Readers poll
// for queries instead of waiting on readiness. Responses from both paths
// go through a Responder that keeps one writer per connection and writes
// them in the order they were queued. A ConnectionManager tracks stream
// connections and closes idle ones.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// ErrServerClosed is returned by Start on a server that was stopped.
var ErrServerClosed = errors.New("ipc: server closed")

// Server runs the stream and RDMA transports.
type Server struct {
	cfg       *Config
	scheduler Scheduler
	acceptor  Acceptor

	manager       *ConnectionManager
	responder     *Responder
	rdmaResponder *Responder
	listener      *Listener
	rdmaListener  *RdmaListener
	readers       []*Reader
	rdmaReaders   []*RdmaReader

	group    *errgroup.Group
	cancel   context.CancelFunc
	inFlight atomic.Int64
	running  atomic.Bool
	mu       sync.Mutex
	started  bool
	stopped  bool
}

// NewServer creates a server. A nil acceptor disables the RDMA transport.
func NewServer(cfg *Config, scheduler Scheduler, acceptor Acceptor) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if scheduler == nil {
		return nil, errors.New("ipc: scheduler is required")
	}

	return &Server{
		cfg:           cfg,
		scheduler:     scheduler,
		acceptor:      acceptor,
		manager:       NewConnectionManager(cfg),
		responder:     NewResponder("ipc.responder", cfg.ResponderBatch, cfg.PurgeTimeout),
		rdmaResponder: NewResponder("rdma.responder", cfg.ResponderBatch, cfg.PurgeTimeout),
	}, nil
}

// Start binds the stream listener and starts every goroutine. It returns
// once the server accepts connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}

	if s.started {
		return errors.New("ipc: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	s.readers = make([]*Reader, s.cfg.ReaderThreads)
	for i := range s.readers {
		r := newReader(i, s.cfg.PendingQueueSize, s.manager, s.dispatch)
		s.readers[i] = r
		g.Go(func() error { return r.run(gctx) })
	}

	s.listener = &Listener{
		ln:      ln,
		cfg:     s.cfg,
		manager: s.manager,
		readers: s.readers,
		newConn: s.newStreamConn,
	}
	g.Go(func() error { return s.listener.run(gctx) })
	g.Go(func() error { return s.responder.Run(gctx) })

	if s.acceptor != nil {
		s.rdmaReaders = make([]*RdmaReader, s.cfg.RdmaReaderThreads)
		for i := range s.rdmaReaders {
			r := newRdmaReader(i, s.cfg, s.dispatch)
			s.rdmaReaders[i] = r
			g.Go(func() error { return r.run(gctx) })
		}

		s.rdmaListener = &RdmaListener{
			acceptor: s.acceptor,
			readers:  s.rdmaReaders,
			newConn:  s.newRdmaConn,
		}
		g.Go(func() error { return s.rdmaListener.run(gctx) })
		g.Go(func() error { return s.rdmaResponder.Run(gctx) })
	}

	s.manager.startIdleScan()
	s.started = true
	s.running.Store(true)

	log.Info().
		Str("component", "ipc.server").
		Str("address", ln.Addr().String()).
		Int("readers", s.cfg.ReaderThreads).
		Bool("rdma", s.acceptor != nil).
		Msg("IPC server started")

	return nil
}

func (s *Server) newStreamConn(nc net.Conn) *Connection {
	return newConnection(newStreamWire(nc, s.cfg), remoteOf(nc), metrics.TransportStream, s.responder, &s.inFlight)
}

func (s *Server) newRdmaConn(nc NativeConn) *Connection {
	return newConnection(newRdmaWire(nc, s.cfg.MaxRequestSize), nc.RemoteEndpoint(), metrics.TransportRDMA, s.rdmaResponder, &s.inFlight)
}

// dispatch turns a frame into a Call and hands it to the scheduler. A
// refused call closes the connection.
func (s *Server) dispatch(c *Connection, frame []byte, seq int) error {
	call := &Call{
		Payload:  frame,
		Received: time.Now(),
		conn:     c,
		seq:      seq,
	}

	c.callStarted()
	metrics.RecordBytesReceived(c.Transport, len(frame)+FrameHeaderLen)

	if err := s.scheduler.Dispatch(call); err != nil {
		call.answered.Store(true)
		c.callDone()

		return fmt.Errorf("%w: call refused: %w", transport.ErrResourceExhaustion, err)
	}
	metrics.RecordCall(c.Transport)

	return nil
}

// Addr returns the stream listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Running reports whether the server accepts connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// InFlightCount returns the number of dispatched calls whose response is
// not done.
func (s *Server) InFlightCount() int64 {
	return s.inFlight.Load()
}

// Connections returns a snapshot of the stream connections.
func (s *Server) Connections() []ConnectionInfo {
	return s.manager.snapshot()
}

// RdmaConnections returns the number of RDMA connections being polled.
func (s *Server) RdmaConnections() int {
	s.mu.Lock()
	l := s.rdmaListener
	s.mu.Unlock()

	if l == nil {
		return 0
	}

	return l.Connections()
}

// StopAccepting closes both listeners. Established connections keep
// being served.
func (s *Server) StopAccepting() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.running.Store(false)

	var errs []error
	if err := s.listener.close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close listener: %w", err))
	}

	if s.rdmaListener != nil {
		if err := s.rdmaListener.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rdma listener: %w", err))
		}
	}

	return errors.Join(errs...)
}

// WaitForDrain waits until no call is in flight or ctx ends.
func (s *Server) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d calls still in flight: %w", s.inFlight.Load(), ctx.Err())
		case <-ticker.C:
		}
	}

	return nil
}

// Stop closes the listeners and every connection and waits for the
// server goroutines to exit. Responses still queued are completed through
// Done.
func (s *Server) Stop() error {
	stopErr := s.StopAccepting()

	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()

		return stopErr
	}
	s.stopped = true
	s.mu.Unlock()

	s.manager.stopIdleScan()
	closed := s.manager.closeAll()
	s.cancel()

	err := s.group.Wait()

	// Connections handed to an RDMA Reader after it exited.
	for _, r := range s.rdmaReaders {
		r.closeAll()
	}

	log.Info().
		Str("component", "ipc.server").
		Int("closed_connections", closed).
		Msg("IPC server stopped")

	return errors.Join(stopErr, err)
}

// Wait blocks until the server goroutines exit.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()

	if g == nil {
		return nil
	}

	return g.Wait()
}
