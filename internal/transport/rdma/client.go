package rdma

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// maxStaleRetries bounds how often a token is re-read after the region it
// named was replaced.
const maxStaleRetries = 8

// settleTimeout bounds the wait for the late response of a cycle whose
// caller gave up.
const settleTimeout = 5 * time.Second

// ClientConn is the client side of an RDMA connection. One query is
// outstanding at a time; concurrent Call invocations are serialized.
type ClientConn struct {
	ctx     *Context
	link    *link
	local   transport.Endpoint
	remote  transport.Endpoint
	pollMin time.Duration
	pollMax time.Duration
	id      uint64
	mu      sync.Mutex
	closed  atomic.Bool

	// abandoned is set when a query was written but its response was never
	// read. Guarded by mu.
	abandoned     bool
	settleTimeout time.Duration
}

func newClientConn(ctx *Context, lk *link, local, remote transport.Endpoint) *ClientConn {
	c := &ClientConn{
		ctx:     ctx,
		link:    lk,
		local:   local,
		remote:  remote,
		pollMin: ctx.config.PollMinInterval,
		pollMax: ctx.config.PollMaxInterval,

		settleTimeout: settleTimeout,
	}
	c.id = ctx.track(c)

	return c
}

// Endpoint returns the address and port the connection was opened to.
func (c *ClientConn) Endpoint() transport.Endpoint {
	return c.remote
}

// LocalEndpoint returns the client-side address and port.
func (c *ClientConn) LocalEndpoint() transport.Endpoint {
	return c.local
}

// IsClosed reports whether either side closed the connection.
func (c *ClientConn) IsClosed() bool {
	return c.closed.Load() || c.link.down()
}

// Call writes a query and waits for its response.
func (c *ClientConn) Call(ctx context.Context, query []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeQuery(ctx, query); err != nil {
		return nil, err
	}

	return c.readResponse(ctx)
}

// WriteQuery writes a query into the server's buffer and sets MagicQuery.
// A query larger than the published buffer waits for the server to
// publish a bigger one.
func (c *ClientConn) WriteQuery(ctx context.Context, query []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writeQuery(ctx, query)
}

// ReadResponse waits for MagicResponse, copies the response out and
// resets the magic for the next cycle.
func (c *ClientConn) ReadResponse(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readResponse(ctx)
}

func (c *ClientConn) writeQuery(ctx context.Context, query []byte) error {
	if c.IsClosed() {
		return fmt.Errorf("%w: %w", transport.ErrWriteFailure, ErrConnClosed)
	}

	if c.abandoned {
		if err := c.settle(ctx); err != nil {
			return err
		}
	}

	if uint64(len(query)) > math.MaxUint32 {
		return fmt.Errorf("%w: query of %d bytes", transport.ErrProtocolViolation, len(query))
	}

	ctrl := &c.link.control
	if m := ctrl.Magic(); m != MagicInitial && m != MagicResized {
		return fmt.Errorf("%w: query written while magic is %s", transport.ErrProtocolViolation, MagicName(m))
	}

	need := uint32(len(query)) //nolint:gosec // G115: checked above
	ctrl.SetSize(need)

	for attempt := 0; ; attempt++ {
		if attempt == maxStaleRetries {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailure, ErrStaleBuffer)
		}

		tok := ctrl.Token()
		if tok.Length < need {
			err := c.poll(ctx, func() bool {
				return ctrl.Magic() == MagicResized && ctrl.Token().Length >= need
			})
			if err != nil {
				return fmt.Errorf("%w: waiting for buffer resize: %w", transport.ErrWriteFailure, err)
			}
			continue
		}

		mr, err := c.resolve(tok)
		if errors.Is(err, ErrStaleBuffer) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailure, err)
		}

		copy(mr.Buffer, query)
		mr.unpin()

		break
	}

	ctrl.SetMagic(MagicQuery)

	return nil
}

func (c *ClientConn) readResponse(ctx context.Context) ([]byte, error) {
	ctrl := &c.link.control

	err := c.poll(ctx, func() bool {
		return ctrl.Magic() == MagicResponse
	})
	if err != nil {
		// The server still owns the cycle. The next write settles it.
		if m := ctrl.Magic(); m == MagicQuery || m == MagicResponse {
			c.abandoned = true
		}
		return nil, fmt.Errorf("%w: waiting for response: %w", transport.ErrReadFailure, err)
	}

	// The response is consumed from here on, even when copying it fails.
	defer ctrl.SetMagic(MagicInitial)

	var response []byte
	for attempt := 0; ; attempt++ {
		if attempt == maxStaleRetries {
			return nil, fmt.Errorf("%w: %w", transport.ErrReadFailure, ErrStaleBuffer)
		}

		mr, err := c.resolve(ctrl.Token())
		if errors.Is(err, ErrStaleBuffer) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", transport.ErrReadFailure, err)
		}

		n := int(ctrl.Size())
		if n > mr.Len() {
			mr.unpin()
			return nil, fmt.Errorf("%w: response size %d exceeds buffer of %d bytes",
				transport.ErrProtocolViolation, n, mr.Len())
		}

		response = make([]byte, n)
		copy(response, mr.Buffer[:n])
		mr.unpin()

		break
	}

	return response, nil
}

// settle finishes an abandoned cycle: it waits for the late response,
// drops it and resets the magic. A server that does not answer within
// settleTimeout gets its connection closed, so the pool stops handing
// it out.
func (c *ClientConn) settle(ctx context.Context) error {
	ctrl := &c.link.control

	waitCtx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	err := c.poll(waitCtx, func() bool {
		return ctrl.Magic() == MagicResponse
	})
	if err != nil && ctx.Err() != nil {
		// The caller gave up too. The cycle stays abandoned.
		return fmt.Errorf("%w: waiting for abandoned response: %w", transport.ErrWriteFailure, err)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "rdma.client").
			Str("remote", c.remote.String()).
			Msg("Closing connection after unanswered abandoned query")

		_ = c.Close()

		return fmt.Errorf("%w: %w", transport.ErrWriteFailure, ErrConnClosed)
	}

	ctrl.SetMagic(MagicInitial)
	c.abandoned = false

	return nil
}

// resolve pins the region a token names. A token whose region was
// replaced or deregistered yields ErrStaleBuffer.
func (c *ClientConn) resolve(tok BufferToken) (*MemoryRegion, error) {
	if c.IsClosed() {
		return nil, ErrConnClosed
	}

	mr, err := c.ctx.verbs.LookupMR(tok.RemoteKey)
	if errors.Is(err, ErrMRNotFound) {
		return nil, ErrStaleBuffer
	}
	if err != nil {
		return nil, err
	}

	if mr.Generation != tok.Generation || !mr.pin() {
		return nil, ErrStaleBuffer
	}

	return mr, nil
}

// poll waits for cond with exponential backoff between checks.
func (c *ClientConn) poll(ctx context.Context, cond func() bool) error {
	b := &backoff.Backoff{
		Min:    c.pollMin,
		Max:    c.pollMax,
		Factor: 2,
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if cond() {
			return nil
		}

		if c.IsClosed() {
			return ErrConnClosed
		}

		d := b.Duration()
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close closes the client side. The server observes the link going down.
func (c *ClientConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.link.clientDown.Store(true)
	c.ctx.untrack(c.id)

	return nil
}
