package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// DialFunc establishes a physical connection. (*Context).Connect has this
// signature.
type DialFunc func(ctx context.Context, addr string, port int) (*ClientConn, error)

type poolEntry struct {
	conn *ClientConn
	refs int
}

// pendingDial is a dial in progress. Acquirers of the same endpoint wait
// on done instead of dialing again.
type pendingDial struct {
	done chan struct{}
	err  error
}

// ConnPool shares one physical connection per (address, port) between
// many borrowers. The reference count, not a timeout, decides when a
// connection may be torn down. One lock guards the tables; dials run
// outside it.
type ConnPool struct {
	dial    DialFunc
	entries map[transport.Endpoint]*poolEntry
	pending map[transport.Endpoint]*pendingDial
	mu      sync.Mutex
}

// NewConnPool creates a pool that opens connections with dial.
func NewConnPool(dial DialFunc) *ConnPool {
	return &ConnPool{
		dial:    dial,
		entries: make(map[transport.Endpoint]*poolEntry),
		pending: make(map[transport.Endpoint]*pendingDial),
	}
}

// Acquire returns the shared connection to addr:port, opening it when no
// entry exists. Concurrent acquirers of one endpoint share a single dial.
// A failed dial leaves no entry behind. An entry whose connection has
// closed is dropped and redialed.
func (p *ConnPool) Acquire(ctx context.Context, addr string, port int) (*ClientConn, error) {
	key := transport.Endpoint{Addr: addr, Port: port}

	for {
		p.mu.Lock()

		if e, ok := p.entries[key]; ok {
			if !e.conn.IsClosed() {
				e.refs++
				p.mu.Unlock()
				metrics.RecordPoolAcquire("hit")

				return e.conn, nil
			}

			_ = p.removeLocked(key, e)
		}

		d, ok := p.pending[key]
		if !ok {
			d = &pendingDial{done: make(chan struct{})}
			p.pending[key] = d
			p.mu.Unlock()

			return p.dialPending(ctx, key, d)
		}

		p.mu.Unlock()

		select {
		case <-d.done:
		case <-ctx.Done():
			metrics.RecordPoolAcquire("error")
			return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, key, ctx.Err())
		}

		// A dial cancelled by its own caller says nothing about the endpoint.
		if d.err != nil && !isContextErr(d.err) {
			metrics.RecordPoolAcquire("error")
			return nil, d.err
		}
	}
}

// dialPending runs the dial registered as d and publishes its result.
func (p *ConnPool) dialPending(ctx context.Context, key transport.Endpoint, d *pendingDial) (*ClientConn, error) {
	conn, err := p.dial(ctx, key.Addr, key.Port)
	if err != nil && !errors.Is(err, transport.ErrConnect) {
		err = fmt.Errorf("%w to %s: %w", transport.ErrConnect, key, err)
	}

	p.mu.Lock()
	delete(p.pending, key)
	if err == nil {
		p.entries[key] = &poolEntry{conn: conn, refs: 1}
		metrics.PoolEntries.Inc()
	}
	d.err = err
	close(d.done)
	p.mu.Unlock()

	if err != nil {
		metrics.RecordPoolAcquire("error")
		return nil, err
	}

	metrics.RecordPoolAcquire("miss")
	log.Debug().Str("component", "rdma.pool").Str("endpoint", key.String()).Msg("Opened pooled connection")

	return conn, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Release gives back one reference. The connection stays open.
func (p *ConnPool) Release(conn *ClientConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, key, err := p.lookupLocked(conn)
	if err != nil {
		return err
	}

	if e.refs == 0 {
		return fmt.Errorf("%w on rdma connection -> %s", transport.ErrOverRelease, key)
	}
	e.refs--

	return nil
}

// ReleaseAndClose gives back one reference and closes the connection when
// it was the last one.
func (p *ConnPool) ReleaseAndClose(conn *ClientConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, key, err := p.lookupLocked(conn)
	if err != nil {
		return err
	}

	switch e.refs {
	case 0:
		return fmt.Errorf("%w on rdma connection -> %s", transport.ErrOverRelease, key)
	case 1:
		e.refs = 0
		return p.removeLocked(key, e)
	default:
		e.refs--
		return nil
	}
}

// Shrink closes and removes every entry nobody holds. It returns the
// number removed.
func (p *ConnPool) Shrink() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, e := range p.entries {
		if e.refs != 0 {
			continue
		}

		if err := p.removeLocked(key, e); err != nil {
			log.Warn().Err(err).Str("component", "rdma.pool").Str("endpoint", key.String()).Msg("Error closing pooled connection")
		}
		removed++
	}

	return removed
}

// Shutdown closes and removes the entry for addr:port regardless of its
// reference count.
func (p *ConnPool) Shutdown(addr string, port int) error {
	key := transport.Endpoint{Addr: addr, Port: port}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return fmt.Errorf("%w: no pool entry for %s", transport.ErrInvalidHandle, key)
	}

	return p.removeLocked(key, e)
}

// ShutdownConn is Shutdown keyed by handle.
func (p *ConnPool) ShutdownConn(conn *ClientConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, key, err := p.lookupLocked(conn)
	if err != nil {
		return err
	}

	return p.removeLocked(key, e)
}

// DrainAll closes every entry and empties the pool. Calling it on an
// empty pool does nothing.
func (p *ConnPool) DrainAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, e := range p.entries {
		if err := p.removeLocked(key, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RefCount returns the reference count of the entry for addr:port.
func (p *ConnPool) RefCount(addr string, port int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[transport.Endpoint{Addr: addr, Port: port}]
	if !ok {
		return 0, false
	}

	return e.refs, true
}

// Len returns the number of entries.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// lookupLocked finds the entry holding conn. A handle whose entry was
// removed, or replaced by a newer connection to the same endpoint, is
// invalid.
func (p *ConnPool) lookupLocked(conn *ClientConn) (*poolEntry, transport.Endpoint, error) {
	if conn == nil {
		return nil, transport.Endpoint{}, fmt.Errorf("%w: nil connection", transport.ErrInvalidHandle)
	}

	key := conn.Endpoint()
	e, ok := p.entries[key]
	if !ok || e.conn != conn {
		return nil, key, fmt.Errorf("%w: no pool entry for %s", transport.ErrInvalidHandle, key)
	}

	return e, key, nil
}

func (p *ConnPool) removeLocked(key transport.Endpoint, e *poolEntry) error {
	delete(p.entries, key)
	metrics.PoolEntries.Dec()

	log.Debug().Str("component", "rdma.pool").Str("endpoint", key.String()).Msg("Closed pooled connection")

	return e.conn.Close()
}
