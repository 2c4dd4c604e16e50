package rdma

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// ServerConn is the server side of an RDMA connection. It owns the
// registered query buffer and is the only party that replaces it.
type ServerConn struct {
	ctx        *Context
	link       *link
	region     *MemoryRegion
	id         uint64
	mu         sync.Mutex
	queryTaken bool
	closed     atomic.Bool
}

func newServerConn(ctx *Context, lk *link, mr *MemoryRegion) *ServerConn {
	s := &ServerConn{
		ctx:    ctx,
		link:   lk,
		region: mr,
	}
	lk.control.publish(mr.Token())
	lk.control.SetMagic(MagicInitial)
	s.id = ctx.track(s)

	return s
}

// RemoteEndpoint returns the client's address and port.
func (s *ServerConn) RemoteEndpoint() transport.Endpoint {
	return s.link.client
}

// LocalEndpoint returns the listener's address and port.
func (s *ServerConn) LocalEndpoint() transport.Endpoint {
	return s.link.server
}

// Control returns the connection's control record.
func (s *ServerConn) Control() *ControlRecord {
	return &s.link.control
}

// BufferSize returns the length of the currently published buffer.
func (s *ServerConn) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.region.Len()
}

// IsClosed reports whether either side closed the connection.
func (s *ServerConn) IsClosed() bool {
	return s.closed.Load() || s.link.down()
}

// IsQueryReadable reports whether a query is waiting to be read. It is the
// server's poll point, so it also services a pending resize request: a
// client that stored a size larger than the published buffer gets a new
// buffer and MagicResized.
func (s *ServerConn) IsQueryReadable() bool {
	if s.IsClosed() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl := &s.link.control
	switch ctrl.Magic() {
	case MagicQuery:
		return !s.queryTaken
	case MagicInitial:
		want := int(ctrl.Size())
		if want <= s.region.Len() {
			return false
		}

		if err := s.resizeLocked(want); err != nil {
			log.Warn().
				Err(err).
				Str("component", "rdma.server").
				Str("remote", s.link.client.String()).
				Int("query_size", want).
				Msg("Failed to resize query buffer, closing connection")
			s.closeLocked()

			return false
		}
		ctrl.SetMagic(MagicResized)
	}

	return false
}

// ReadQuery copies the pending query out of the buffer. The connection
// stays unreadable until the response is written.
func (s *ServerConn) ReadQuery() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsClosed() {
		return nil, fmt.Errorf("%w: %w", transport.ErrReadFailure, ErrConnClosed)
	}

	ctrl := &s.link.control
	if m := ctrl.Magic(); m != MagicQuery || s.queryTaken {
		return nil, fmt.Errorf("%w: no query pending (magic %s)", transport.ErrProtocolViolation, MagicName(m))
	}

	n := int(ctrl.Size())
	if n > s.region.Len() {
		return nil, fmt.Errorf("%w: query size %d exceeds buffer of %d bytes",
			transport.ErrProtocolViolation, n, s.region.Len())
	}

	query := make([]byte, n)
	copy(query, s.region.Buffer[:n])
	s.queryTaken = true

	return query, nil
}

// WriteResponse writes the response for the query last read and sets
// MagicResponse. The buffer grows when the response does not fit.
func (s *ServerConn) WriteResponse(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsClosed() {
		return fmt.Errorf("%w: %w", transport.ErrWriteFailure, ErrConnClosed)
	}

	if !s.queryTaken {
		return fmt.Errorf("%w: response written with no query outstanding", transport.ErrProtocolViolation)
	}

	if len(p) > s.region.Len() {
		if err := s.resizeLocked(len(p)); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailure, err)
		}
	}

	ctrl := &s.link.control
	copy(s.region.Buffer, p)
	ctrl.SetSize(uint32(len(p))) //nolint:gosec // G115: bounded by MaxBufferSize
	s.queryTaken = false
	ctrl.SetMagic(MagicResponse)

	return nil
}

// resizeLocked registers a buffer of at least want bytes, publishes its
// token and retires the old region.
func (s *ServerConn) resizeLocked(want int) error {
	cfg := s.ctx.config
	if want > cfg.MaxBufferSize {
		return fmt.Errorf("%w: %d bytes exceeds max buffer size %d",
			transport.ErrResourceExhaustion, want, cfg.MaxBufferSize)
	}

	size := min(nextPowerOfTwo(want), cfg.MaxBufferSize)

	mr, err := s.ctx.verbs.RegMR(size)
	if err != nil {
		return fmt.Errorf("failed to register buffer: %w", err)
	}

	old := s.region
	s.region = mr
	s.link.control.publish(mr.Token())

	if err := old.retire(); err != nil {
		log.Debug().Err(err).Str("component", "rdma.server").Msg("Failed to deregister retired buffer")
	}
	metrics.RDMABufferResizes.Inc()

	log.Debug().
		Str("component", "rdma.server").
		Str("remote", s.link.client.String()).
		Int("old_size", old.Len()).
		Int("new_size", size).
		Msg("Query buffer resized")

	return nil
}

// Close closes the connection and retires its buffer. The client observes
// the link going down.
func (s *ServerConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeLocked()
}

func (s *ServerConn) closeLocked() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.link.serverDown.Store(true)
	s.ctx.untrack(s.id)

	return s.region.retire()
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}

	return 1 << bits.Len(uint(n-1))
}
