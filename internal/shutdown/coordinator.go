// Package shutdown provides graceful shutdown coordination for nebularpc.
//
// The coordinator stops the server in phases:
//
//  1. Listeners - Stop accepting stream and RDMA connections
//  2. Draining - Wait for in-flight calls to be answered
//  3. Connections - Close every connection and stop the server goroutines
//  4. Scheduler - Stop the call scheduler, dropping queued calls
//  5. HTTP Servers - Shutdown HTTP servers concurrently
//  6. Native - Drain client connection pools and destroy the RDMA context
//
// The coordinator tracks shutdown progress with metrics and respects configurable
// timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseListeners      Phase = "listeners"
	PhaseDraining       Phase = "draining"
	PhaseConnections    Phase = "connections"
	PhaseScheduler      Phase = "scheduler"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseNative         Phase = "native"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight calls to complete.
	// Default: 15 seconds
	DrainTimeout time.Duration

	// ComponentTimeout bounds each Stop, Close, or Destroy call.
	// Default: 10 seconds
	ComponentTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     15 * time.Second,
		ComponentTimeout: 10 * time.Second,
		HTTPTimeout:      10 * time.Second,
		ForceTimeout:     5 * time.Second,
	}
}

// ListenerStopper stops accepting new connections.
type ListenerStopper interface {
	StopAccepting() error
}

// Stopper is a component with a Stop method.
type Stopper interface {
	Stop() error
}

// PoolDrainer closes every pooled connection.
type PoolDrainer interface {
	DrainAll() error
}

// Destroyer releases a process-wide native context.
type Destroyer interface {
	Destroy() error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// InFlightTracker tracks in-flight calls.
type InFlightTracker interface {
	// InFlightCount returns the number of in-flight calls
	InFlightCount() int64
	// WaitForDrain waits for all in-flight calls to complete
	WaitForDrain(ctx context.Context) error
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// Listeners stop accepting connections
	Listeners []ListenerStopper

	// InFlightTracker tracks in-flight calls for draining
	InFlightTracker InFlightTracker

	// Server closes connections and stops server goroutines
	Server Stopper

	// Scheduler is the call scheduler
	Scheduler Stopper

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// ConnPools are client-side connection pools
	ConnPools []PoolDrainer

	// NativeContext is the RDMA context, destroyed last
	NativeContext Destroyer
}

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	config   Config
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("component", "shutdown").
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("component", "shutdown").Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components. Component
// failures are collected in Errors rather than returned.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Str("component", "shutdown").Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Str("component", "shutdown").Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeShutdownSequence(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	errs := c.Errors()
	if len(errs) > 0 {
		log.Warn().
			Str("component", "shutdown").
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Str("component", "shutdown").
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Str("component", "shutdown").
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeShutdownSequence(ctx context.Context, components ShutdownComponents) {
	c.executeListenersPhase(ctx, components)
	c.executeDrainPhase(ctx, components)
	c.executeConnectionsPhase(ctx, components)
	c.executeSchedulerPhase(ctx, components)
	c.executeHTTPServersPhase(ctx, components)
	c.executeNativePhase(ctx, components)
}

func (c *Coordinator) executeListenersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseListeners)
	c.runHooks(ctx, PhaseListeners)

	for _, l := range components.Listeners {
		c.stopComponent(ctx, "listener", l.StopAccepting)
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.InFlightTracker == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.InFlightTracker.InFlightCount()
	SetInFlightCalls(inFlight)

	if inFlight > 0 {
		log.Info().Str("component", "shutdown").Int64("in_flight_calls", inFlight).Msg("Waiting for in-flight calls to complete")

		if err := components.InFlightTracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Str("component", "shutdown").
				Int64("remaining", components.InFlightTracker.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightCalls(0)
}

func (c *Coordinator) executeConnectionsPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseConnections)
	c.runHooks(ctx, PhaseConnections)

	if components.Server == nil {
		return
	}

	c.stopComponent(ctx, "ipc_server", components.Server.Stop)
	IncrementComponentsStopped()
}

func (c *Coordinator) executeSchedulerPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseScheduler)
	c.runHooks(ctx, PhaseScheduler)

	if components.Scheduler == nil {
		return
	}

	c.stopComponent(ctx, "scheduler", components.Scheduler.Stop)
	IncrementComponentsStopped()
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("component", "shutdown").Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("component", "shutdown").Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) executeNativePhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseNative)
	c.runHooks(ctx, PhaseNative)

	for _, p := range components.ConnPools {
		c.stopComponent(ctx, "conn_pool", p.DrainAll)
	}

	if components.NativeContext != nil {
		c.stopComponent(ctx, "rdma_context", components.NativeContext.Destroy)
		IncrementComponentsStopped()
	}
}

// stopComponent runs stop, giving up after ComponentTimeout. A stop that
// times out keeps running in the background.
func (c *Coordinator) stopComponent(ctx context.Context, name string, stop func() error) {
	stopCtx, cancel := context.WithTimeout(ctx, c.config.ComponentTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", "shutdown").Str("target", name).Msg("Error stopping component")
			c.addError(err)
		} else {
			log.Debug().Str("component", "shutdown").Str("target", name).Msg("Component stopped")
		}
	case <-stopCtx.Done():
		log.Warn().Str("component", "shutdown").Str("target", name).Msg("Timeout stopping component")
		c.addError(stopCtx.Err())
	}
}
