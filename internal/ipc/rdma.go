package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
	"github.com/piwi3910/nebularpc/internal/transport/rdma"
)

// NativeConn is the server side of an RDMA connection. *rdma.ServerConn
// implements it.
type NativeConn interface {
	IsQueryReadable() bool
	ReadQuery() ([]byte, error)
	WriteResponse(p []byte) error
	Close() error
	IsClosed() bool
	RemoteEndpoint() transport.Endpoint
}

// Acceptor blocks until the next native connection arrives. Close makes a
// blocked Accept return.
type Acceptor interface {
	Accept() (NativeConn, error)
	Close() error
}

type rdmaAcceptor struct {
	l *rdma.Listener
}

// NewRdmaAcceptor adapts an RDMA listener to an Acceptor.
func NewRdmaAcceptor(l *rdma.Listener) Acceptor {
	return rdmaAcceptor{l: l}
}

func (a rdmaAcceptor) Accept() (NativeConn, error) {
	sc, err := a.l.BlockingAccept()
	if err != nil {
		return nil, err
	}

	return sc, nil
}

func (a rdmaAcceptor) Close() error {
	return a.l.Close()
}

// rdmaWire carries frames over the RDMA handshake. A query may hold
// several frames; their responses are collected by call order and
// published with one WriteResponse once the last one arrives.
type rdmaWire struct {
	native   NativeConn
	slots    [][]byte
	maxFrame int
	filled   int
	mu       sync.Mutex
}

func newRdmaWire(native NativeConn, maxFrame int) *rdmaWire {
	return &rdmaWire{
		native:   native,
		maxFrame: maxFrame,
	}
}

func (w *rdmaWire) read(emit func(frame []byte, seq int) error) (int, error) {
	if !w.native.IsQueryReadable() {
		return 0, nil
	}

	query, err := w.native.ReadQuery()
	if err != nil {
		return 0, err
	}

	frames, err := SplitFrames(query, w.maxFrame)
	if err != nil {
		return 0, err
	}

	if len(frames) == 0 {
		return 0, fmt.Errorf("%w: empty query", transport.ErrProtocolViolation)
	}

	w.mu.Lock()
	w.slots = make([][]byte, len(frames))
	w.filled = 0
	w.mu.Unlock()

	for i, f := range frames {
		if err := emit(f, i); err != nil {
			return i, err
		}
	}

	return len(frames), nil
}

func (w *rdmaWire) write(r *Response, _ bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.seq >= len(w.slots) || w.slots[r.seq] != nil {
		return 0, fmt.Errorf("%w: response %d does not belong to the current query", transport.ErrWriteFailure, r.seq)
	}

	p := r.remaining()
	w.slots[r.seq] = append([]byte(nil), p...)
	r.advance(len(p))
	w.filled++

	if w.filled < len(w.slots) {
		return len(p), nil
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	for _, s := range w.slots {
		out.B = append(out.B, s...)
	}
	w.slots = nil
	w.filled = 0

	if err := w.native.WriteResponse(out.B); err != nil {
		return len(p), err
	}

	return len(p), nil
}

func (w *rdmaWire) close() error {
	return w.native.Close()
}

func (w *rdmaWire) peerClosed() bool {
	return w.native.IsClosed()
}

// RdmaReader polls its connections for queries. RDMA has no readiness
// notification, so the Reader sweeps every connection and backs off
// between sweeps that found nothing.
type RdmaReader struct {
	wake     chan struct{}
	dispatch dispatchFunc
	incoming []*Connection
	conns    []*Connection
	pollMin  time.Duration
	pollMax  time.Duration
	id       int
	mu       sync.Mutex
	size     atomic.Int32
}

func newRdmaReader(id int, cfg *Config, dispatch dispatchFunc) *RdmaReader {
	return &RdmaReader{
		id:       id,
		wake:     make(chan struct{}, 1),
		dispatch: dispatch,
		pollMin:  cfg.RdmaPollMinInterval,
		pollMax:  cfg.RdmaPollMaxInterval,
	}
}

// add assigns c to the Reader. It joins the poll set on the next sweep.
func (r *RdmaReader) add(c *Connection) {
	r.mu.Lock()
	r.incoming = append(r.incoming, c)
	r.mu.Unlock()

	r.size.Add(1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of connections assigned to the Reader.
func (r *RdmaReader) Len() int {
	return int(r.size.Load())
}

func (r *RdmaReader) takeIncoming() {
	r.mu.Lock()
	in := r.incoming
	r.incoming = nil
	r.mu.Unlock()

	r.conns = append(r.conns, in...)
}

// run polls until ctx ends and then closes every connection it holds.
func (r *RdmaReader) run(ctx context.Context) error {
	defer r.closeAll()

	b := &backoff.Backoff{
		Min:    r.pollMin,
		Max:    r.pollMax,
		Factor: 2,
	}

	timer := time.NewTimer(r.pollMax)
	defer timer.Stop()

	for {
		r.takeIncoming()

		if r.sweep() {
			b.Reset()

			if ctx.Err() != nil {
				return nil
			}

			continue
		}

		if len(r.conns) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-r.wake:
			}

			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.Duration())

		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			b.Reset()
		case <-timer.C:
		}
	}
}

// sweep checks every connection once. It reports whether any query was
// read.
func (r *RdmaReader) sweep() bool {
	progress := false
	kept := r.conns[:0]

	for _, c := range r.conns {
		if c.IsClosed() {
			r.drop(c, metrics.ClosePeer)
			continue
		}

		n, err := c.wire.read(func(frame []byte, seq int) error {
			return r.dispatch(c, frame, seq)
		})
		if err != nil {
			log.Debug().
				Err(err).
				Str("component", "rdma.reader").
				Int("reader", r.id).
				Str("conn_id", c.ID).
				Str("remote", c.Remote.String()).
				Msg("Closing connection after read")

			r.drop(c, closeReason(err, metrics.CloseRead))

			continue
		}

		if n > 0 {
			c.touch()
			progress = true
		}

		kept = append(kept, c)
	}

	clear(r.conns[len(kept):])
	r.conns = kept

	return progress
}

// drop closes c and stops polling it.
func (r *RdmaReader) drop(c *Connection, reason string) {
	c.close(reason)
	r.size.Add(-1)
}

func (r *RdmaReader) closeAll() {
	r.takeIncoming()

	for _, c := range r.conns {
		r.drop(c, metrics.CloseShutdown)
	}
	r.conns = nil
}

// RdmaListener accepts native connections and deals them to its Readers
// in round-robin order. Accept blocks with no timeout; closing the
// acceptor is the only way to interrupt it.
type RdmaListener struct {
	acceptor Acceptor
	readers  []*RdmaReader
	newConn  func(nc NativeConn) *Connection
	next     int
	closed   atomic.Bool
}

func (l *RdmaListener) run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}

	for {
		nc, err := l.acceptor.Accept()
		if err != nil {
			if l.closed.Load() || ctx.Err() != nil || errors.Is(err, rdma.ErrListenerClosed) {
				return nil
			}

			log.Error().Err(err).Str("component", "rdma.listener").Msg("Accept failed")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.Duration()):
			}

			continue
		}
		b.Reset()

		c := l.newConn(nc)
		metrics.RecordAccept(metrics.TransportRDMA)

		log.Debug().
			Str("component", "rdma.listener").
			Str("conn_id", c.ID).
			Str("remote", c.Remote.String()).
			Msg("RDMA connection accepted")

		l.readers[l.next].add(c)
		l.next = (l.next + 1) % len(l.readers)
	}
}

// Connections returns the number of RDMA connections being polled.
func (l *RdmaListener) Connections() int {
	n := 0
	for _, r := range l.readers {
		n += r.Len()
	}

	return n
}

func (l *RdmaListener) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	return l.acceptor.Close()
}
