package rdma

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

const transportName = "rdma"

// Conn is one RDMA connection context: a device context, protection domain,
// completion queue and reliable-connected queue pair, plus at most one
// registered memory region. The control channel is borrowed, not owned.
//
// Every exported method is serialized on one mutex, so a Conn may be shared
// between goroutines, but operations never overlap. Close is the exception:
// it flags the Conn first, which makes a waiting operation give up the mutex.
type Conn struct {
	provider VerbsProvider
	control  io.ReadWriter
	region   *MemoryRegion
	cfg      Config
	id       string
	stash    []VerbsWorkCompletion
	port     VerbsPortAttr
	local    WireMsg
	peer     WireMsg
	ctx      VerbsContext
	pd       VerbsPD
	cq       VerbsCQ
	qp       VerbsQP
	state    QPState
	qpn      uint32
	mu       sync.Mutex
	shaken   bool
	closed   bool

	// closing is set by Close before it takes mu.
	closing atomic.Bool
	// current mirrors state for readers that must not wait on mu.
	current atomic.Int32
}

// NewConn opens the configured device and creates the protection domain,
// completion queue and queue pair, in that order. Anything acquired before a
// failure is released again.
func NewConn(control io.ReadWriter, provider VerbsProvider, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, wrap(ErrSetup, err, "")
	}

	if provider == nil {
		return nil, wrap(ErrSetup, ErrVerbsNotInitialized, "")
	}

	c := &Conn{
		provider: provider,
		control:  control,
		cfg:      *cfg,
		id:       uuid.New().String(),
		state:    QPStateReset,
	}

	if err := c.setup(); err != nil {
		if releaseErr := c.release(); releaseErr != nil {
			log.Error().Err(releaseErr).Str("conn_id", c.id).Msg("Failed to release partially created RDMA context")
		}

		return nil, err
	}

	metrics.RecordConnectionOpened(transportName)
	log.Debug().
		Str("conn_id", c.id).
		Str("device", c.cfg.DeviceName).
		Uint32("qpn", c.qpn).
		Uint16("lid", c.port.LID).
		Msg("RDMA connection context created")

	return c, nil
}

func (c *Conn) setup() error {
	var err error

	c.ctx, err = c.provider.OpenDevice(c.cfg.DeviceName)
	if err != nil {
		return wrap(ErrSetup, err, "open device %q", c.cfg.DeviceName)
	}

	port, err := c.provider.QueryPort(c.ctx, c.cfg.IBPort)
	if err != nil {
		return wrap(ErrSetup, err, "query port %d", c.cfg.IBPort)
	}

	c.port = *port

	c.pd, err = c.provider.AllocPD(c.ctx)
	if err != nil {
		return wrap(ErrSetup, err, "allocate protection domain")
	}

	c.cq, err = c.provider.CreateCQ(c.ctx, c.cfg.CQDepth)
	if err != nil {
		return wrap(ErrSetup, err, "create completion queue")
	}

	c.qp, c.qpn, err = c.provider.CreateQP(c.pd, &VerbsQPInitAttr{
		SendCQ:    c.cq,
		RecvCQ:    c.cq,
		Type:      QPTypeRC,
		MaxSendWR: c.cfg.MaxSendWR,
		MaxRecvWR: c.cfg.MaxRecvWR,
		MaxSendSG: c.cfg.MaxSendSGE,
		MaxRecvSG: c.cfg.MaxRecvSGE,
	})
	if err != nil {
		return wrap(ErrSetup, err, "create queue pair")
	}

	return nil
}

// release tears down region, QP, CQ, PD and device, in that order. Handles
// that were never acquired are skipped.
func (c *Conn) release() error {
	var errs []error

	if err := c.releaseRegion(); err != nil {
		errs = append(errs, err)
	}

	if c.qp != 0 {
		if err := c.provider.DestroyQP(c.qp); err != nil {
			errs = append(errs, fmt.Errorf("destroy queue pair: %w", err))
		}

		c.qp = 0
	}

	if c.cq != 0 {
		if err := c.provider.DestroyCQ(c.cq); err != nil {
			errs = append(errs, fmt.Errorf("destroy completion queue: %w", err))
		}

		c.cq = 0
	}

	if c.pd != 0 {
		if err := c.provider.DeallocPD(c.pd); err != nil {
			errs = append(errs, fmt.Errorf("deallocate protection domain: %w", err))
		}

		c.pd = 0
	}

	if c.ctx != 0 {
		if err := c.provider.CloseDevice(c.ctx); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}

		c.ctx = 0
	}

	return errors.Join(errs...)
}

// Close releases every verbs resource. An operation blocked waiting for its
// completion fails with ErrConnClosed. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closing.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.stash = nil

	metrics.RecordConnectionClosed(transportName)

	if err := c.release(); err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("RDMA connection teardown incomplete")
		return wrap(ErrSetup, err, "teardown")
	}

	log.Debug().Str("conn_id", c.id).Msg("RDMA connection context closed")

	return nil
}

// ID returns the identifier used for this connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// QPN returns the local queue pair number.
func (c *Conn) QPN() uint32 {
	return c.qpn
}

// Port returns the attributes of the port queried at setup.
func (c *Conn) Port() VerbsPortAttr {
	return c.port
}

// Config returns a copy of the configuration the context was built with.
func (c *Conn) Config() Config {
	return c.cfg
}
