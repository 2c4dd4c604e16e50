// Package scheduler runs calls handed over by the ipc server.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/metrics"
)

// Scheduler errors.
var (
	ErrQueueFull = errors.New("scheduler queue full")
	ErrStopped   = errors.New("scheduler stopped")
)

// Handler computes the response payload for a request payload.
type Handler func(ctx context.Context, payload []byte) []byte

// Echo returns the request unchanged.
func Echo(_ context.Context, payload []byte) []byte {
	return payload
}

// Config holds FIFO scheduler configuration.
type Config struct {
	// Handlers is the number of goroutines running calls
	Handlers int
	// QueueSize bounds the calls waiting for a handler
	QueueSize int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Handlers:  30,
		QueueSize: 3000,
	}
}

// FIFO runs calls in arrival order on a fixed set of handler goroutines.
// Dispatch never blocks: a full queue refuses the call.
type FIFO struct {
	queue   chan *ipc.Call
	handler Handler
	group   *errgroup.Group
	cancel  context.CancelFunc
	cfg     Config
	mu      sync.RWMutex
	started bool
	stopped bool
}

var _ ipc.Scheduler = (*FIFO)(nil)

// New creates a FIFO scheduler.
func New(cfg Config, handler Handler) (*FIFO, error) {
	if cfg.Handlers <= 0 {
		return nil, errors.New("scheduler handlers must be positive")
	}

	if cfg.QueueSize <= 0 {
		return nil, errors.New("scheduler queue size must be positive")
	}

	if handler == nil {
		return nil, errors.New("scheduler handler is required")
	}

	return &FIFO{
		queue:   make(chan *ipc.Call, cfg.QueueSize),
		handler: handler,
		cfg:     cfg,
	}, nil
}

// Start launches the handler goroutines.
func (f *FIFO) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return ErrStopped
	}

	if f.started {
		return nil
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < f.cfg.Handlers; i++ {
		f.group.Go(func() error {
			f.run(ctx)
			return nil
		})
	}

	f.started = true

	log.Debug().
		Str("component", "scheduler").
		Int("handlers", f.cfg.Handlers).
		Int("queue_size", f.cfg.QueueSize).
		Msg("Scheduler started")

	return nil
}

// Dispatch queues call.
func (f *FIFO) Dispatch(call *ipc.Call) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.stopped {
		return ErrStopped
	}

	select {
	case f.queue <- call:
		metrics.SchedulerQueueDepth.Inc()
		return nil
	default:
		metrics.SchedulerRejected.Inc()
		return ErrQueueFull
	}
}

// Len returns the number of queued calls.
func (f *FIFO) Len() int {
	return len(f.queue)
}

// Cap returns the queue capacity.
func (f *FIFO) Cap() int {
	return cap(f.queue)
}

func (f *FIFO) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-f.queue:
			metrics.SchedulerQueueDepth.Dec()

			if ctx.Err() != nil {
				call.Drop()
				return
			}

			f.execute(ctx, call)
		}
	}
}

func (f *FIFO) execute(ctx context.Context, call *ipc.Call) {
	resp := f.handler(ctx, call.Payload)

	if err := call.Respond(resp); err != nil {
		log.Debug().
			Err(err).
			Str("component", "scheduler").
			Str("conn_id", call.ConnectionID()).
			Msg("Response not queued")
	}
}

// Stop refuses new calls, waits for running handlers, and drops calls
// still queued.
func (f *FIFO) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	started := f.started
	f.mu.Unlock()

	var err error
	if started {
		f.cancel()
		err = f.group.Wait()
	}

	dropped := 0
	for {
		select {
		case call := <-f.queue:
			metrics.SchedulerQueueDepth.Dec()
			call.Drop()
			dropped++
		default:
			if dropped > 0 {
				log.Warn().
					Str("component", "scheduler").
					Int("dropped", dropped).
					Msg("Dropped queued calls on stop")
			}

			return err
		}
	}
}
