package ipc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// dispatchFunc hands one decoded frame to the scheduler.
type dispatchFunc func(c *Connection, frame []byte, seq int) error

// Reader owns a set of stream connections and reads from whichever has
// input. Connections arrive through a bounded queue and join the set only
// at the top of the Reader's own loop.
type Reader struct {
	pending  chan *Connection
	ready    chan *Connection
	set      map[string]*Connection
	manager  *ConnectionManager
	dispatch dispatchFunc
	id       int
}

func newReader(id, queueSize int, manager *ConnectionManager, dispatch dispatchFunc) *Reader {
	return &Reader{
		id:       id,
		pending:  make(chan *Connection, queueSize),
		ready:    make(chan *Connection),
		set:      make(map[string]*Connection),
		manager:  manager,
		dispatch: dispatch,
	}
}

// run serves the Reader's connections until ctx ends.
func (r *Reader) run(ctx context.Context) error {
	done := ctx.Done()

	for {
		r.drainPending(done)

		select {
		case <-done:
			return nil
		case c := <-r.pending:
			r.add(c, done)
		case c := <-r.ready:
			r.doRead(c)
		}
	}
}

// drainPending registers every connection waiting in the queue.
func (r *Reader) drainPending(done <-chan struct{}) {
	for {
		select {
		case c := <-r.pending:
			r.add(c, done)
		default:
			return
		}
	}
}

func (r *Reader) add(c *Connection, done <-chan struct{}) {
	w, ok := c.wire.(*streamWire)
	if !ok || c.IsClosed() {
		return
	}

	r.set[c.ID] = c
	go w.watch(c, r.ready, done)
}

// doRead consumes the input buffered on c. Progress refreshes the last
// contact time; an error closes the connection.
func (r *Reader) doRead(c *Connection) {
	w := c.wire.(*streamWire) //nolint:forcetypeassert // only stream connections join a Reader

	if _, ok := r.set[c.ID]; !ok {
		return
	}

	if c.IsClosed() {
		r.remove(c, w)
		return
	}

	_, err := w.read(func(frame []byte, seq int) error {
		return r.dispatch(c, frame, seq)
	})
	if err != nil {
		log.Debug().
			Err(err).
			Str("component", "ipc.reader").
			Int("reader", r.id).
			Str("conn_id", c.ID).
			Str("remote", c.Remote.String()).
			Msg("Closing connection after read")

		r.manager.close(c, closeReason(err, metrics.CloseRead))
		r.remove(c, w)

		return
	}

	c.touch()
	w.resume()
}

// remove drops c from the set. A watcher still parked is released so it
// observes the closed socket and exits.
func (r *Reader) remove(c *Connection, w *streamWire) {
	delete(r.set, c.ID)
	if w.watchErr == nil {
		w.resume()
	}
}

// Len returns the number of connections the Reader serves. It is only
// meaningful from the Reader goroutine or after it exits.
func (r *Reader) Len() int {
	return len(r.set)
}

// Listener accepts stream connections and deals them to its Readers in
// round-robin order.
type Listener struct {
	ln      net.Listener
	cfg     *Config
	manager *ConnectionManager
	readers []*Reader
	newConn func(nc net.Conn) *Connection
	next    int
}

// run accepts until the listener is closed.
func (l *Listener) run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if isResourceExhausted(err) {
				log.Warn().
					Err(err).
					Str("component", "ipc.listener").
					Int("connections", l.manager.Count()).
					Msg("Out of resources in accept, closing idle connections")
				l.manager.closeIdle(true)
			} else {
				log.Error().Err(err).Str("component", "ipc.listener").Msg("Accept failed")
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.Duration()):
			}

			continue
		}
		b.Reset()

		l.doAccept(ctx, nc)
	}
}

// doAccept registers nc and hands it to the next Reader. A full hand-off
// queue makes accept wait; the connection is not dropped.
func (l *Listener) doAccept(ctx context.Context, nc net.Conn) {
	if err := tuneConn(nc, l.cfg); err != nil {
		log.Debug().Err(err).Str("component", "ipc.listener").Msg("Failed to set socket options")
	}

	c := l.newConn(nc)
	if err := l.manager.register(c); err != nil {
		metrics.RecordReject("max_connections")
		log.Warn().
			Err(err).
			Str("component", "ipc.listener").
			Str("remote", c.Remote.String()).
			Msg("Refusing connection")
		_ = nc.Close()

		return
	}

	log.Debug().
		Str("component", "ipc.listener").
		Str("conn_id", c.ID).
		Str("remote", c.Remote.String()).
		Int("connections", l.manager.Count()).
		Msg("Connection accepted")

	r := l.nextReader()
	select {
	case r.pending <- c:
		return
	default:
	}

	metrics.AcceptBackpressure.Inc()

	select {
	case r.pending <- c:
	case <-ctx.Done():
		l.manager.close(c, metrics.CloseShutdown)
	}
}

func (l *Listener) nextReader() *Reader {
	r := l.readers[l.next]
	l.next = (l.next + 1) % len(l.readers)

	return r
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func remoteOf(nc net.Conn) transport.Endpoint {
	return transport.EndpointOf(nc.RemoteAddr())
}
