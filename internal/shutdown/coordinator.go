// Package shutdown provides graceful shutdown coordination for rdmalink.
//
// The coordinator tears a running peer down in phases:
//
//  1. Draining - Cancel running work and wait for active sessions to end
//  2. Transport - Close communicators (RDMA connection contexts, TCP sockets)
//  3. Control - Close control channel listeners and sockets
//  4. Metrics - Shutdown the metrics HTTP server
//
// RDMA resources are released before the control channel goes away so a
// peer blocked on the handshake sees the socket close last. Each phase has its
// own timeout and progress is exported as metrics.
package shutdown

import (
	"context"
	"io"
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
	PhaseDraining       Phase = "draining"
	PhaseTransport      Phase = "transport"
	PhaseControl        Phase = "control"
	PhaseMetrics        Phase = "metrics"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for active sessions to end.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// TransportTimeout is the time to wait for each communicator to close.
	// Default: 5 seconds
	TransportTimeout time.Duration

	// ControlTimeout is the time to wait for control channels to close.
	// Default: 5 seconds
	ControlTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 5 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     10 * time.Second,
		TransportTimeout: 5 * time.Second,
		ControlTimeout:   5 * time.Second,
		HTTPTimeout:      5 * time.Second,
		ForceTimeout:     5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of a peer.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
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

	log.Debug().
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
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Components holds everything that needs to be shut down.
type Components struct {
	// Cancel stops running work (handshakes, benchmark rounds)
	Cancel context.CancelFunc

	// Sessions tracks active peer sessions for draining
	Sessions SessionTracker

	// Transports are communicators, closed in order
	Transports []NamedCloser

	// Control are control channel sockets and listeners
	Control []NamedCloser

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown
}

// NamedCloser is something with a name for logging and a Close method.
type NamedCloser struct {
	Closer io.Closer
	Name   string
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// SessionTracker tracks active sessions.
type SessionTracker interface {
	// Active returns the number of active sessions
	Active() int64
	// WaitForDrain waits for all sessions to end
	WaitForDrain(ctx context.Context) error
}

// Shutdown runs the shutdown sequence once. Later calls return immediately.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeCloserPhase(shutdownCtx, PhaseTransport, c.config.TransportTimeout, components.Transports)
	c.executeCloserPhase(shutdownCtx, PhaseControl, c.config.ControlTimeout, components.Control)
	c.executeMetricsPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
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
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.Cancel != nil {
		components.Cancel()
	}

	if components.Sessions == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	active := components.Sessions.Active()
	SetActiveSessions(active)

	if active > 0 {
		log.Info().Int64("active_sessions", active).Msg("Waiting for sessions to end")

		if err := components.Sessions.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.Sessions.Active()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetActiveSessions(0)
}

func (c *Coordinator) executeCloserPhase(ctx context.Context, phase Phase, timeout time.Duration, closers []NamedCloser) {
	c.setPhase(phase)
	c.runHooks(ctx, phase)

	for _, nc := range closers {
		if nc.Closer == nil {
			continue
		}

		closeCtx, cancel := context.WithTimeout(ctx, timeout)
		c.closeComponent(closeCtx, nc.Name, nc.Closer)
		cancel()

		IncrementComponentsClosed(phase)
	}
}

func (c *Coordinator) executeMetricsPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseMetrics)
	c.runHooks(ctx, PhaseMetrics)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) closeComponent(ctx context.Context, name string, component io.Closer) {
	done := make(chan error, 1)

	go func() {
		done <- component.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error closing component")
			c.addError(err)
		} else {
			log.Debug().Str("component", name).Msg("Component closed")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout closing component")
		c.addError(ctx.Err())
	}
}

// Sessions counts active sessions. The zero value is ready to use.
type Sessions struct {
	drained chan struct{}
	active  int64
	mu      sync.Mutex
}

// Begin marks a session as started. The returned func ends it.
func (s *Sessions) Begin() (end func()) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.active--
			if s.active == 0 && s.drained != nil {
				close(s.drained)
				s.drained = nil
			}
		})
	}
}

// Active returns the number of sessions that have begun and not ended.
func (s *Sessions) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// WaitForDrain blocks until no session is active or ctx is done.
func (s *Sessions) WaitForDrain(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}

	if s.drained == nil {
		s.drained = make(chan struct{})
	}

	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
