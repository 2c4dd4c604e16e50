package ipc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// ErrConnectionClosed is returned when responding on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// wire is the transport behind a Connection. Both variants expose the same
// non-blocking read so readers stay transport-agnostic.
type wire interface {
	// read consumes whatever input is available and passes each complete
	// frame to emit. It returns the number of frames emitted.
	read(emit func(frame []byte, seq int) error) (int, error)

	// write writes some or all of r's remaining bytes. A partial write is
	// not an error; the caller retries the rest.
	write(r *Response, direct bool) (int, error)

	close() error

	// peerClosed reports a disconnect the wire learned of out of band.
	peerClosed() bool
}

// Connection is one accepted connection, stream or RDMA.
type Connection struct {
	ID        string
	Remote    transport.Endpoint
	Transport string
	Created   time.Time

	wire      wire
	responder *Responder
	inFlight  *atomic.Int64
	onClose   func(*Connection)
	responses responseQueue

	lastContact  atomic.Int64
	lastSent     atomic.Int64
	rpcCount     atomic.Int64
	writeMu      sync.Mutex
	writePending atomic.Bool
	closed       atomic.Bool
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	ID              string    `json:"id"`
	Remote          string    `json:"remote"`
	Transport       string    `json:"transport"`
	Created         time.Time `json:"created"`
	LastContact     time.Time `json:"last_contact"`
	OutstandingRPCs int64     `json:"outstanding_rpcs"`
	QueuedResponses int       `json:"queued_responses"`
}

func newConnection(w wire, remote transport.Endpoint, kind string, responder *Responder, inFlight *atomic.Int64) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        uuid.New().String(),
		Remote:    remote,
		Transport: kind,
		Created:   now,
		wire:      w,
		responder: responder,
		inFlight:  inFlight,
	}
	c.lastContact.Store(now.UnixNano())
	c.lastSent.Store(now.UnixNano())

	return c
}

// touch records contact from the peer.
func (c *Connection) touch() {
	c.lastContact.Store(time.Now().UnixNano())
}

// LastContact returns when the peer was last heard from.
func (c *Connection) LastContact() time.Time {
	return time.Unix(0, c.lastContact.Load())
}

// OutstandingRPCs returns the number of dispatched calls whose response is
// not yet done.
func (c *Connection) OutstandingRPCs() int64 {
	return c.rpcCount.Load()
}

func (c *Connection) isIdle() bool {
	return c.rpcCount.Load() == 0
}

// IsClosed reports whether the connection was closed locally or by the peer.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.wire.peerClosed()
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:              c.ID,
		Remote:          c.Remote.String(),
		Transport:       c.Transport,
		Created:         c.Created,
		LastContact:     c.LastContact(),
		OutstandingRPCs: c.rpcCount.Load(),
		QueuedResponses: c.responses.size(),
	}
}

func (c *Connection) callStarted() {
	c.rpcCount.Add(1)
	if c.inFlight != nil {
		c.inFlight.Add(1)
	}
}

func (c *Connection) callDone() {
	c.rpcCount.Add(-1)
	if c.inFlight != nil {
		c.inFlight.Add(-1)
	}
}

func (c *Connection) respond(payload []byte, seq int) error {
	resp := newResponse(payload, seq, c.callDone)

	if c.closed.Load() {
		resp.Done()
		return fmt.Errorf("%w: %w", transport.ErrWriteFailure, ErrConnectionClosed)
	}

	c.responder.Enqueue(c, resp)

	return nil
}

// Close closes the connection as part of shutdown.
func (c *Connection) Close() {
	c.close(metrics.CloseShutdown)
}

// close closes the wire and completes every queued response. It reports
// false when the connection was already closed.
func (c *Connection) close(reason string) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}

	err := c.wire.close()
	for _, r := range c.responses.close() {
		r.Done()
	}

	metrics.RecordClose(c.Transport, reason)

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("component", "ipc.connection").
		Str("conn_id", c.ID).
		Str("remote", c.Remote.String()).
		Str("transport", c.Transport).
		Str("reason", reason).
		Msg("Connection closed")

	if c.onClose != nil {
		c.onClose(c)
	}

	return true
}

// closeReason maps a read or write error to a close reason label.
func closeReason(err error, fallback string) string {
	switch {
	case errors.Is(err, transport.ErrProtocolViolation):
		return metrics.CloseProtocol
	case errors.Is(err, transport.ErrResourceExhaustion):
		return metrics.CloseRejected
	case isPeerGone(err):
		return metrics.ClosePeer
	default:
		return fallback
	}
}
