package ipc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lithdew/bytesutil"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// Client is a blocking stream client. Calls on one Client are serialized.
type Client struct {
	conn        net.Conn
	br          *bufio.Reader
	buf         []byte
	maxResponse int
	mu          sync.Mutex
}

// Dial connects to addr and sends the preamble.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer

	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, addr, err)
	}

	if _, err := nc.Write(Preamble); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("%w to %s: sending preamble: %w", transport.ErrConnect, addr, err)
	}

	return NewClient(nc), nil
}

// NewClient wraps a connection whose preamble was already sent.
func NewClient(nc net.Conn) *Client {
	return &Client{
		conn:        nc,
		br:          bufio.NewReader(nc),
		maxResponse: DefaultConfig().MaxRequestSize,
	}
}

// Call sends payload as one frame and waits for the response frame.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrWriteFailure, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.buf = AppendFrame(c.buf[:0], payload)
	if _, err := c.conn.Write(c.buf); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("%w: %w", transport.ErrWriteFailure, err))
	}

	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("%w: %w", transport.ErrReadFailure, err))
	}

	size := bytesutil.Uint32BE(hdr[:])
	if uint64(size) > uint64(c.maxResponse) {
		return nil, fmt.Errorf("%w: response of %d bytes", transport.ErrProtocolViolation, size)
	}

	resp := make([]byte, size)
	if _, err := io.ReadFull(c.br, resp); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("%w: %w", transport.ErrReadFailure, err))
	}

	return resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}

	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
