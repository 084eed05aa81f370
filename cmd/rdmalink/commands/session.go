package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/bench"
	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/control"
	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/shutdown"
	"github.com/piwi3910/rdmalink/internal/transport"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
	"github.com/piwi3910/rdmalink/internal/transport/tcp"
)

var errNoCommunicator = errors.New("session has no communicator")

// peer is one end of a session: the control socket, the communicator on top
// of it and the buffer messages travel through.
type peer struct {
	cfg      *config.Config
	comm     transport.Communicator
	rdma     *rdma.Conn
	provider rdma.VerbsProvider
	control  net.Conn
	listener net.Listener
	metrics  *metrics.Server
	buf      []byte
	sessions *shutdown.Sessions
	end      func()
	cancel   context.CancelFunc
	unwatch  func() bool
}

// openControl listens and accepts one peer as the server, or dials out as
// the client.
func openControl(ctx context.Context, cfg *config.Config, role string) (net.Conn, net.Listener, error) {
	if role == bench.RoleClient {
		conn, err := control.Dial(ctx, cfg.Control)
		return conn, nil, err
	}

	ln, err := control.Listen(ctx, cfg.Control)
	if err != nil {
		return nil, nil, err
	}

	conn, err := control.Accept(ctx, ln)
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}

	return conn, ln, nil
}

// openPeer establishes a session over the configured transport.
func openPeer(ctx context.Context, cfg *config.Config, role string, bufSize int) (*peer, error) {
	ctrl, ln, err := openControl(ctx, cfg, role)
	if err != nil {
		return nil, err
	}

	p, err := newPeer(ctx, cfg, ctrl, nil, bufSize)
	if err != nil {
		_ = ctrl.Close()
		if ln != nil {
			_ = ln.Close()
		}

		return nil, err
	}

	p.listener = ln
	p.watch(ctx)

	return p, nil
}

// newPeer builds the communicator on an established control socket. A nil
// provider is created from the configuration.
func newPeer(ctx context.Context, cfg *config.Config, ctrl net.Conn, provider rdma.VerbsProvider, bufSize int) (*peer, error) {
	ctx, cancel := context.WithCancel(ctx)

	p := &peer{
		cfg:      cfg,
		control:  ctrl,
		sessions: &shutdown.Sessions{},
		cancel:   cancel,
	}
	p.end = p.sessions.Begin()

	var err error

	switch cfg.Transport {
	case transport.NameTCP:
		p.comm = tcp.New(ctrl)
		p.buf = make([]byte, bufSize)
	default:
		err = p.openRDMA(ctx, provider, bufSize)
	}

	if err != nil {
		p.end()
		cancel()

		return nil, err
	}

	metrics.Init(cfg.Transport)
	p.startMetrics()

	log.Info().
		Str("transport", cfg.Transport).
		Str("peer", ctrl.RemoteAddr().String()).
		Int("buffer_size", len(p.buf)).
		Msg("Session established")

	return p, nil
}

func (p *peer) openRDMA(ctx context.Context, provider rdma.VerbsProvider, bufSize int) error {
	if provider == nil {
		var err error

		provider, err = rdma.NewProvider(&p.cfg.RDMA)
		if err != nil {
			return err
		}
	}

	p.provider = provider

	conn, err := rdma.NewConn(p.control, provider, &p.cfg.RDMA)
	if err != nil {
		_ = provider.Close()
		return err
	}

	if _, err := conn.AllocateBuffer(bufSize); err != nil {
		_ = conn.Close()
		_ = provider.Close()

		return err
	}

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		_ = provider.Close()

		return err
	}

	p.rdma = conn
	p.comm = conn
	p.buf = conn.Buffer()

	return nil
}

// watch closes the communicator once ctx ends, so that an operation waiting
// on the peer returns. Close stops watching.
func (p *peer) watch(ctx context.Context) {
	p.unwatch = context.AfterFunc(ctx, p.abort)
}

func (p *peer) abort() {
	log.Warn().Str("transport", p.cfg.Transport).Msg("Session cancelled, closing communicator")

	if err := p.comm.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close communicator")
	}
}

// cancelled reports a cancelled session in place of the error its teardown
// caused.
func cancelled(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("session cancelled: %w", ctx.Err())
	}

	return err
}

func (p *peer) startMetrics() {
	if !p.cfg.Metrics.Enabled {
		return
	}

	checker := health.NewChecker(health.DefaultCacheTTL)
	checker.Register("control", p.controlCheck)

	if p.provider != nil {
		checker.Register("verbs", p.verbsCheck)
	}

	srv := metrics.NewServer(p.cfg.Metrics.Address, checker)
	if err := srv.Listen(); err != nil {
		log.Error().Err(err).Msg("Metrics endpoint disabled")
		return
	}

	p.metrics = srv

	go func() {
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

func (p *peer) controlCheck(_ context.Context) health.Check {
	if p.control == nil {
		return health.Check{Status: health.StatusUnhealthy, Message: "no control channel"}
	}

	return health.Check{Status: health.StatusHealthy, Message: p.control.RemoteAddr().String()}
}

func (p *peer) verbsCheck(_ context.Context) health.Check {
	devices, err := p.provider.GetDeviceList()
	if err != nil {
		return health.Check{Status: health.StatusUnhealthy, Message: err.Error()}
	}

	if p.rdma != nil && p.rdma.State() != rdma.QPStateRTS {
		return health.Check{Status: health.StatusDegraded, Message: "queue pair in " + p.rdma.State().String()}
	}

	return health.Check{Status: health.StatusHealthy, Message: fmt.Sprintf("%d devices", len(devices))}
}

// Close tears the session down through the shutdown coordinator.
func (p *peer) Close() error {
	if p.unwatch != nil {
		p.unwatch()
	}

	p.end()

	components := shutdown.Components{
		Cancel:   p.cancel,
		Sessions: p.sessions,
	}

	// TCP carries data on the control socket itself, so it is closed once,
	// as the transport.
	switch {
	case p.rdma != nil:
		components.Transports = []shutdown.NamedCloser{
			{Name: "rdma", Closer: p.rdma},
			{Name: "verbs", Closer: p.provider},
		}
		components.Control = []shutdown.NamedCloser{{Name: "control", Closer: p.control}}
	case p.comm != nil:
		components.Transports = []shutdown.NamedCloser{{Name: "tcp", Closer: p.comm}}
	default:
		return errNoCommunicator
	}

	if p.listener != nil {
		components.Control = append(components.Control, shutdown.NamedCloser{Name: "listener", Closer: p.listener})
	}

	if p.metrics != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{p.metrics}
	}

	cfg := shutdown.DefaultConfig()
	cfg.DrainTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TotalTimeout)
	defer cancel()

	coordinator := shutdown.NewCoordinator(cfg)
	if err := coordinator.Shutdown(ctx, components); err != nil {
		return err
	}

	return errors.Join(coordinator.Errors()...)
}
