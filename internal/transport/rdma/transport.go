// Package rdma provides the RDMA transport for nebularpc.
//
// Messages travel through registered server-side buffers instead of a byte
// stream. Each connection owns one control record that both sides poll:
//
//	magic 0x00000000  buffer active, no resize pending
//	magic 0xFFFFFFFF  server published a resized buffer
//	magic 0xAAAAAAAA  client wrote a query
//	magic 0x55555555  server wrote a response
//
// A query that does not fit the published buffer makes the client store
// the size and wait for 0xFFFFFFFF. The server registers a larger region,
// publishes its token and retires the old region. Retired regions stay
// registered until every pin taken on them is released.
//
// All native state hangs off an explicit Context. It is initialized once
// before any Bind or Connect and destroyed once after use:
//
//	ctx := rdma.NewContext(rdma.DefaultConfig(), nil)
//	if err := ctx.Init(); err != nil {
//	    return err
//	}
//	defer ctx.Destroy()
//
// A nil Verbs selects the simulated backend, which runs both ends of a
// connection inside one process.
package rdma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// Context and connection errors.
var (
	ErrContextNotInitialized = errors.New("rdma context not initialized")
	ErrContextDestroyed      = errors.New("rdma context destroyed")
	ErrListenerClosed        = errors.New("rdma listener closed")
	ErrAddressInUse          = errors.New("rdma port already bound")
	ErrStaleBuffer           = errors.New("rdma buffer token is stale")
	ErrConnClosed            = errors.New("rdma connection closed")
)

// Config holds RDMA transport configuration.
type Config struct {
	// LocalAddr is reported as the client address on outgoing connections.
	LocalAddr string

	// InitialBufferSize is the size of the first registered query buffer.
	InitialBufferSize int

	// MaxBufferSize bounds buffer growth. A larger query or response closes
	// the connection.
	MaxBufferSize int

	// Backlog is the number of connect requests a listener queues before
	// BlockingAccept takes them.
	Backlog int

	// PollMinInterval and PollMaxInterval bound the client's magic polling.
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
}

// DefaultConfig returns the default RDMA configuration.
func DefaultConfig() *Config {
	return &Config{
		LocalAddr:         "127.0.0.1",
		InitialBufferSize: 4096,
		MaxBufferSize:     256 << 20,
		Backlog:           128,
		PollMinInterval:   50 * time.Microsecond,
		PollMaxInterval:   2 * time.Millisecond,
	}
}

const (
	stateNew int32 = iota
	stateReady
	stateDestroyed
)

// Context is the process-wide native transport state. It moves through
// new -> ready -> destroyed exactly once.
type Context struct {
	config    *Config
	verbs     Verbs
	listeners map[int]*Listener
	handles   *xsync.MapOf[uint64, io.Closer]
	nextID    atomic.Uint64
	nextPort  atomic.Int32
	state     atomic.Int32
	mu        sync.Mutex
}

// NewContext creates a context. A nil verbs selects the simulated backend.
func NewContext(config *Config, verbs Verbs) *Context {
	if config == nil {
		config = DefaultConfig()
	}

	if verbs == nil {
		verbs = NewSimulatedVerbs()
	}

	c := &Context{
		config:    config,
		verbs:     verbs,
		listeners: make(map[int]*Listener),
		handles:   xsync.NewMapOf[uint64, io.Closer](),
	}
	c.nextPort.Store(49151)

	return c
}

// Init initializes the verbs backend. Calling it again on a ready context
// is a no-op; calling it after Destroy fails.
func (c *Context) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Load() {
	case stateReady:
		return nil
	case stateDestroyed:
		return ErrContextDestroyed
	}

	if err := c.verbs.Init(); err != nil {
		return fmt.Errorf("failed to initialize verbs: %w", err)
	}
	c.state.Store(stateReady)

	log.Info().
		Str("component", "rdma.context").
		Int("initial_buffer_size", c.config.InitialBufferSize).
		Msg("RDMA context initialized")

	return nil
}

// Destroy closes every listener and connection still open and releases the
// verbs backend. Only the first call has an effect.
func (c *Context) Destroy() error {
	c.mu.Lock()
	prev := c.state.Swap(stateDestroyed)
	listeners := make([]*Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listeners = make(map[int]*Listener)
	c.mu.Unlock()

	if prev != stateReady {
		return nil
	}

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.handles.Range(func(id uint64, h io.Closer) bool {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		c.handles.Delete(id)
		return true
	})

	if err := c.verbs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close verbs: %w", err))
	}

	log.Info().Str("component", "rdma.context").Msg("RDMA context destroyed")

	return errors.Join(errs...)
}

// Config returns the context configuration.
func (c *Context) Config() *Config {
	return c.config
}

// Verbs returns the verbs backend.
func (c *Context) Verbs() Verbs {
	return c.verbs
}

// Ready reports whether the context is initialized and not destroyed.
func (c *Context) Ready() bool {
	return c.state.Load() == stateReady
}

// OpenHandles returns the number of open server and client connections.
func (c *Context) OpenHandles() int {
	return c.handles.Size()
}

func (c *Context) ready() error {
	switch c.state.Load() {
	case stateNew:
		return ErrContextNotInitialized
	case stateDestroyed:
		return ErrContextDestroyed
	}

	return nil
}

func (c *Context) track(h io.Closer) uint64 {
	id := c.nextID.Add(1)
	c.handles.Store(id, h)

	return id
}

func (c *Context) untrack(id uint64) {
	c.handles.Delete(id)
}

// Bind starts listening for connect requests on port.
func (c *Context) Bind(port int) (*Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return nil, err
	}

	if _, ok := c.listeners[port]; ok {
		return nil, fmt.Errorf("%w: %d", ErrAddressInUse, port)
	}

	backlog := c.config.Backlog
	if backlog <= 0 {
		backlog = 1
	}

	l := &Listener{
		ctx:     c,
		port:    port,
		backlog: make(chan *connectRequest, backlog),
		closeCh: make(chan struct{}),
	}
	c.listeners[port] = l

	log.Info().Str("component", "rdma.context").Int("port", port).Msg("RDMA listener bound")

	return l, nil
}

func (c *Context) unbind(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[l.port] == l {
		delete(c.listeners, l.port)
	}
}

// Connect establishes a connection to the listener bound on port. It
// blocks until the server accepts or ctx ends.
func (c *Context) Connect(ctx context.Context, addr string, port int) (*ClientConn, error) {
	return c.ConnectWithQuerySize(ctx, addr, port, 0)
}

// ConnectWithQuerySize is Connect with the expected query size passed to
// the server as connect-time user data. The server sizes the first buffer
// to fit it, up to MaxBufferSize.
func (c *Context) ConnectWithQuerySize(ctx context.Context, addr string, port, querySize int) (*ClientConn, error) {
	remote := transport.Endpoint{Addr: addr, Port: port}

	if err := c.ready(); err != nil {
		return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, err)
	}

	c.mu.Lock()
	l := c.listeners[port]
	c.mu.Unlock()

	if l == nil {
		return nil, fmt.Errorf("%w to %s: connection refused", transport.ErrConnect, remote)
	}

	req := &connectRequest{
		client:    transport.Endpoint{Addr: c.config.LocalAddr, Port: int(c.nextPort.Add(1))},
		querySize: querySize,
		ready:     make(chan struct{}),
	}

	select {
	case l.backlog <- req:
	case <-l.closeCh:
		return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, ErrListenerClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, ctx.Err())
	}

	select {
	case <-req.ready:
	case <-l.closeCh:
		if req.abandon() {
			return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, ErrListenerClosed)
		}
	case <-ctx.Done():
		if req.abandon() {
			return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, ctx.Err())
		}
	}

	if req.err != nil {
		return nil, fmt.Errorf("%w to %s: %w", transport.ErrConnect, remote, req.err)
	}

	return newClientConn(c, req.server.link, req.client, remote), nil
}

// connectRequest carries one connect attempt from Connect to
// BlockingAccept. Whichever side sets done first decides the outcome.
type connectRequest struct {
	server    *ServerConn
	err       error
	ready     chan struct{}
	client    transport.Endpoint
	querySize int
	mu        sync.Mutex
	done      bool
}

// abandon gives up on the request. It reports false when the server
// already completed it.
func (r *connectRequest) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return false
	}
	r.done = true

	return true
}

func (r *connectRequest) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.err = err
	r.done = true
	close(r.ready)
}

// Listener accepts connect requests on one port.
type Listener struct {
	ctx     *Context
	backlog chan *connectRequest
	closeCh chan struct{}
	port    int
	closed  atomic.Bool
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// BlockingAccept waits for the next connect request and returns the server
// side of the new connection. There is no timeout: it returns only when a
// client arrives or the listener is closed.
func (l *Listener) BlockingAccept() (*ServerConn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrListenerClosed
		}

		select {
		case <-l.closeCh:
			return nil, ErrListenerClosed
		case req := <-l.backlog:
			sc, err := l.complete(req)
			if err != nil {
				return nil, err
			}
			if sc == nil {
				continue
			}

			return sc, nil
		}
	}
}

// complete registers the initial buffer and hands the connection to the
// waiting client. It returns nil when the client already gave up.
func (l *Listener) complete(req *connectRequest) (*ServerConn, error) {
	req.mu.Lock()
	defer req.mu.Unlock()

	if req.done {
		return nil, nil
	}

	cfg := l.ctx.config
	size := cfg.InitialBufferSize
	if req.querySize > size {
		size = min(req.querySize, cfg.MaxBufferSize)
	}

	mr, err := l.ctx.verbs.RegMR(size)
	if err != nil {
		req.err = err
		req.done = true
		close(req.ready)

		return nil, fmt.Errorf("failed to register initial buffer: %w", err)
	}

	lk := &link{
		server: transport.Endpoint{Addr: cfg.LocalAddr, Port: l.port},
		client: req.client,
	}
	req.server = newServerConn(l.ctx, lk, mr)
	req.done = true
	close(req.ready)

	return req.server, nil
}

// Close stops the listener. Pending connect requests fail and a blocked
// BlockingAccept returns ErrListenerClosed.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(l.closeCh)
	l.ctx.unbind(l)

	for {
		select {
		case req := <-l.backlog:
			req.fail(ErrListenerClosed)
		default:
			return nil
		}
	}
}
